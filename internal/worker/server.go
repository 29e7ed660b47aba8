package worker

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/queue"
)

// ServerConfig holds the node-port listener configuration.
type ServerConfig struct {
	Addr           string
	MaxConnections int
	Session        Config
}

// Server accepts worker connections on the node port, registers a
// session for each on the roster and runs it.
type Server struct {
	cfg    ServerConfig
	roster *Roster
	queue  *queue.Queue
	keys   *keystore.Store
	log    *zap.SugaredLogger
	mx     *metrics.Collector
}

// NewServer creates the worker listener.
func NewServer(cfg ServerConfig, roster *Roster, q *queue.Queue, keys *keystore.Store, log *zap.SugaredLogger, mx *metrics.Collector) *Server {
	return &Server{cfg: cfg, roster: roster, queue: q, keys: keys, log: log, mx: mx}
}

// Run listens and serves until ctx is cancelled. A bind failure is
// returned to the caller and is fatal at startup.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("worker listener bind %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.log.Infof("worker: listening on %s", s.cfg.Addr)
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
			s.log.Errorf("worker accept err: %v", err)
			continue
		}
		sess := NewSession(conn, s.queue, s.keys, s.cfg.Session, s.log, s.mx)
		s.roster.Add(sess)
		s.log.Infof("worker connected: %s", sess.State().Addr())
		go sess.Run(ctx)
	}
}
