package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/codec"
	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/task"
)

// HIVE control methods understood on the worker channel.
const (
	MethodAuth    = "AUTH"
	MethodPoll    = "POLL"
	MethodPing    = "PING"
	MethodPong    = "PONG"
	MethodTags    = "TAGS"
	MethodVersion = "VERSION"
)

// authReadTimeout bounds how long a fresh connection may take to send
// its AUTH message.
const authReadTimeout = 10 * time.Second

// Config holds the per-session tunables.
type Config struct {
	// ExceptionThreshold closes the session once consecutive proxy
	// failures exceed it.
	ExceptionThreshold int
	// ChunkBufferSize bounds the copy buffer used while streaming
	// proxied response bodies.
	ChunkBufferSize int
	// AuthWait guards the block on the monitor's auth verdict.
	AuthWait time.Duration
}

// Session drives one worker TCP connection. The session is the only
// reader of the socket; writes go through one mutex so a proxied
// response is never interleaved with a poll or ping reply.
type Session struct {
	conn net.Conn
	br   *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	state *State
	queue *queue.Queue
	keys  *keystore.Store
	cfg   Config
	log   *zap.SugaredLogger
	mx    *metrics.Collector

	closeOnce sync.Once
}

// NewSession wraps an accepted worker connection.
func NewSession(conn net.Conn, q *queue.Queue, keys *keystore.Store, cfg Config, log *zap.SugaredLogger, mx *metrics.Collector) *Session {
	if cfg.ChunkBufferSize <= 0 {
		cfg.ChunkBufferSize = codec.DefaultChunkBuffer
	}
	if cfg.AuthWait <= 0 {
		cfg.AuthWait = 30 * time.Second
	}
	return &Session{
		conn:  conn,
		br:    bufio.NewReader(conn),
		bw:    bufio.NewWriter(conn),
		state: NewState(conn.RemoteAddr().String()),
		queue: q,
		keys:  keys,
		cfg:   cfg,
		log:   log,
		mx:    mx,
	}
}

// State returns the session's worker state record.
func (s *Session) State() *State {
	return s.state
}

// Close releases the connection. Safe to call from the monitor while
// the session goroutine is blocked in a read.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.SetStatus(Closed)
		_ = s.conn.Close()
	})
}

// Run executes the session until the connection closes, the exception
// threshold trips, or the monitor closes it externally.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	if err := s.authenticate(); err != nil {
		if !codec.IsEOF(err) {
			s.log.Debugf("worker auth failed addr=%s: %v", s.state.Addr(), err)
		}
		return
	}

	// Park until the monitor verifies the name/nonce pair.
	select {
	case verdict := <-s.state.Decision():
		if verdict != Verified {
			s.log.Infof("worker rejected name=%s addr=%s", s.state.Name(), s.state.Addr())
			return
		}
	case <-time.After(s.cfg.AuthWait):
		s.log.Warnf("worker verification timed out name=%s addr=%s", s.state.Name(), s.state.Addr())
		return
	case <-ctx.Done():
		return
	}
	s.log.Infof("worker verified name=%s addr=%s", s.state.Name(), s.state.Addr())

	s.loop(ctx)
}

// authenticate reads and validates the mandatory first AUTH message.
// Any failure closes the connection with no reply.
func (s *Session) authenticate() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	msg, err := codec.ReadMessage(s.br)
	if err != nil {
		return err
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	if !msg.IsHive() || msg.Method != MethodAuth {
		return errors.New("first message is not AUTH")
	}
	args := msg.HiveArgs()
	if len(args) != 2 {
		return errors.New("AUTH requires token and nonce")
	}
	token, nonce := args[0], args[1]
	key, ok := s.keys.Lookup(token)
	if !ok || (key.Role != keystore.RoleAdmin && key.Role != keystore.RoleWorker) {
		return errors.New("unknown or unauthorized worker token")
	}
	s.state.SetIdentity(key.Name, nonce)
	s.state.Touch()
	s.log.Infof("worker authenticated name=%s addr=%s", key.Name, s.state.Addr())
	return nil
}

// loop serves control messages until the session ends.
func (s *Session) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := codec.ReadMessage(s.br)
		if err != nil {
			if !codec.IsEOF(err) && s.state.Status() != Closed {
				s.log.Debugf("worker read err name=%s: %v", s.state.Name(), err)
			}
			return
		}
		s.state.Touch()
		if !msg.IsHive() {
			// payload dialect outside a proxy exchange: heartbeat only
			continue
		}

		switch msg.Method {
		case MethodPoll:
			if err := s.handlePoll(msg); err != nil {
				// a broken worker socket surfaces on the next read;
				// only the exception threshold ends the session here
				if s.state.Exceptions() > s.cfg.ExceptionThreshold {
					s.log.Warnf("worker exception threshold exceeded name=%s", s.state.Name())
					return
				}
			}
		case MethodTags:
			s.state.SetTags(msg.HiveArgs())
		case MethodVersion:
			worker, backend := parseVersionArgs(msg.HiveArgs())
			s.state.SetVersions(worker, backend)
		default:
			// any other control message is a ping: heartbeat, no reply
		}
	}
}

// handlePoll answers one POLL: either an idle PONG or a full proxied
// task exchange.
func (s *Session) handlePoll(msg *codec.Message) error {
	s.state.SetStatus(Polling)
	t := s.queue.Fetch(msg.HiveArgs(), s.state.Name())
	if t == nil {
		return s.writeHive(codec.NewHive(MethodPong))
	}
	err := s.proxy(t)
	s.state.SetStatus(CompletedWork)
	return err
}

// writeHive sends one control message under the writer mutex.
func (s *Session) writeHive(m *codec.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := codec.WriteMessage(s.bw, m); err != nil {
		return err
	}
	return s.bw.Flush()
}

// proxy forwards the task's request to the worker and streams the
// worker's response back to the client. The writer mutex is held for
// the whole exchange so nothing interleaves on the worker socket.
func (s *Session) proxy(t *task.Task) error {
	s.state.SetStatus(Working)
	s.wmu.Lock()
	defer s.wmu.Unlock()

	buf := make([]byte, s.cfg.ChunkBufferSize)
	headersWritten := false

	if err := codec.WriteMessage(s.bw, t.Req); err != nil {
		return s.failTask(t, err, headersWritten)
	}
	if err := s.bw.Flush(); err != nil {
		return s.failTask(t, err, headersWritten)
	}

	resp, err := codec.ReadHead(s.br)
	if err != nil {
		return s.failTask(t, err, headersWritten)
	}
	if resp.Status != 200 {
		s.log.Warnf("worker %s returned %d for %s %s; original request: %s",
			s.state.Name(), resp.Status, t.Req.Method, t.Req.URI, snippet(t.Req.Body))
	}

	cw := bufio.NewWriter(t.Conn)
	if err := codec.WriteHead(cw, resp); err != nil {
		return s.failTask(t, err, headersWritten)
	}
	if err := cw.Flush(); err != nil {
		return s.failTask(t, err, headersWritten)
	}
	headersWritten = true

	if resp.Chunked() {
		err = codec.StreamChunkedBody(s.br, cw, buf)
	} else if n, ok := resp.ContentLength(); ok {
		err = codec.StreamFixedBody(s.br, cw, n, buf)
	} else {
		err = codec.StreamUntilEOF(s.br, cw, buf)
	}
	if err != nil {
		return s.failTask(t, err, headersWritten)
	}
	if err := cw.Flush(); err != nil {
		return s.failTask(t, err, headersWritten)
	}

	t.CompletedAt = time.Now()
	s.state.ResetExceptions()
	s.mx.TaskProxied()
	s.log.Infof("task done key=%s node=%s queue=%s proxy=%s total=%s",
		t.RoutingKey(), s.state.Name(),
		t.QueueTime().Round(time.Millisecond),
		t.ProxyTime().Round(time.Millisecond),
		t.TotalTime().Round(time.Millisecond))
	t.Release()
	return nil
}

// failTask handles a broken proxy exchange: synthesize an error status
// for the client when its headers were not written yet, otherwise just
// tear the client socket down. Partial bodies cannot be recalled.
func (s *Session) failTask(t *task.Task, err error, headersWritten bool) error {
	s.mx.ProxyFailure()
	if !headersWritten {
		code, reason := 500, "Internal Server Error"
		if isIOError(err) {
			code, reason = 502, "Bad Gateway"
		}
		_ = t.RespondStatus(code, reason)
	}
	t.Release()
	n := s.state.AddException()
	s.log.Errorf("proxy failed key=%s node=%s exceptions=%d: %v", t.RoutingKey(), s.state.Name(), n, err)
	return err
}

// isIOError distinguishes transport failures (mapped to 502) from
// protocol or internal failures (mapped to 500).
func isIOError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var pe *codec.ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason == codec.ReasonEOF || pe.Reason == codec.ReasonPrematureEOF
	}
	return false
}

// parseVersionArgs reads the worker=<v>;backend=<v> argument list.
func parseVersionArgs(args []string) (worker, backend string) {
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "worker":
			worker = strings.TrimSpace(v)
		case "backend":
			backend = strings.TrimSpace(v)
		}
	}
	return worker, backend
}

// snippet truncates a request body for log lines.
func snippet(b []byte) string {
	const max = 2048
	if len(b) > max {
		return string(b[:max]) + "...(truncated)"
	}
	return string(b)
}
