// Package intake accepts inbound client HTTP connections on the proxy
// port, parses one request per connection, authenticates it when
// enabled and hands it to the dispatch queue. Ownership of the client
// socket passes to whichever worker session pulls the task, or to the
// monitor's rejection path if none ever does.
package intake

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/hivecore/hivecore/internal/codec"
	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/ratelimit"
	"github.com/hivecore/hivecore/internal/task"
)

// Config holds the intake listener configuration.
type Config struct {
	Addr           string
	AuthEnabled    bool
	ReadTimeout    time.Duration
	MaxConnections int
}

// Server is the client intake listener.
type Server struct {
	cfg   Config
	queue *queue.Queue
	keys  *keystore.Store
	rl    *ratelimit.Limiter
	log   *zap.SugaredLogger
	mx    *metrics.Collector
}

// NewServer creates the intake listener. The rate limiter may be nil.
func NewServer(cfg Config, q *queue.Queue, keys *keystore.Store, rl *ratelimit.Limiter, log *zap.SugaredLogger, mx *metrics.Collector) *Server {
	return &Server{cfg: cfg, queue: q, keys: keys, rl: rl, log: log, mx: mx}
}

// Run listens and serves until ctx is cancelled. A bind failure is
// returned to the caller and is fatal at startup.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("proxy listener bind %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.log.Infof("proxy: listening on %s", s.cfg.Addr)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Errorf("proxy accept err: %v", err)
			continue
		}
		if s.rl != nil && !s.rl.AllowConnection(conn.RemoteAddr()) {
			s.log.Infof("rejecting client %s: rate limit exceeded", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go s.handle(conn)
	}
}

// handle parses and enqueues one client request. The connection is
// closed here only when the task never reaches the queue.
func (s *Server) handle(conn net.Conn) {
	if s.rl != nil {
		// the release covers only the intake phase; a queued task's
		// socket lives on under its task
		defer s.rl.ReleaseConnection(conn.RemoteAddr())
	}

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	br := bufio.NewReader(conn)
	msg, err := codec.ReadMessage(br)
	if err != nil {
		if !codec.IsEOF(err) {
			s.log.Debugf("client parse err %s: %v", conn.RemoteAddr(), err)
		}
		_ = conn.Close()
		return
	}

	t := task.New(conn, msg)

	if s.cfg.AuthEnabled {
		key, ok := s.lookupBearer(msg)
		if !ok || (key.Role != keystore.RoleAdmin && key.Role != keystore.RoleClient) {
			_ = t.RespondStatus(403, "Unauthorized")
			_ = conn.Close()
			return
		}
		if msg.Header("node") != "" && key.Role != keystore.RoleAdmin {
			_ = t.RespondStatus(403, "Unauthorized")
			_ = conn.Close()
			return
		}
	}

	// the intake deadline covers only the request parse; the proxied
	// response phase is bounded by the worker's working timeout
	_ = conn.SetDeadline(time.Time{})

	if !s.queue.Admit(t) {
		s.mx.TaskRejected()
		_ = t.RespondStatus(405, "Method Not Allowed")
		_ = conn.Close()
		return
	}
	s.mx.TaskAdmitted()
	s.log.Debugf("task admitted key=%s from=%s", t.RoutingKey(), conn.RemoteAddr())
}

// lookupBearer resolves the request's bearer token against the key
// store.
func (s *Server) lookupBearer(msg *codec.Message) (keystore.Key, bool) {
	auth := msg.Header("authorization")
	scheme, value, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return keystore.Key{}, false
	}
	return s.keys.Lookup(strings.TrimSpace(value))
}
