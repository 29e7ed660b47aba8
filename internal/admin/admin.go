// Package admin serves the management surface on the
// management port: queue and worker snapshots, key administration and
// Prometheus metrics. Every route except the health check requires an
// Admin bearer.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/worker"
)

// Server is the management HTTP server.
type Server struct {
	addr   string
	roster *worker.Roster
	queue  *queue.Queue
	keys   *keystore.Store
	log    *zap.SugaredLogger
	mx     *metrics.Collector
}

// NewServer creates the management server.
func NewServer(addr string, roster *worker.Roster, q *queue.Queue, keys *keystore.Store, log *zap.SugaredLogger, mx *metrics.Collector) *Server {
	return &Server{addr: addr, roster: roster, queue: q, keys: keys, log: log, mx: mx}
}

// Run serves until ctx is cancelled. A bind failure is returned to the
// caller and is fatal at startup.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	s.log.Infof("management: listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("management listener bind %s: %w", s.addr, err)
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.auth(promhttp.Handler()))
	mux.Handle("/status", s.auth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/queue", s.auth(http.HandlerFunc(s.handleQueue)))
	mux.Handle("/worker/connections", s.auth(http.HandlerFunc(s.handleConnections)))
	mux.Handle("/worker/status", s.auth(http.HandlerFunc(s.handleWorkerStatus)))
	mux.Handle("/worker/pings", s.auth(http.HandlerFunc(s.handlePings)))
	mux.Handle("/worker/tags", s.auth(http.HandlerFunc(s.handleTags)))
	mux.Handle("/worker/versions", s.auth(http.HandlerFunc(s.handleVersions)))
	mux.Handle("/key", s.auth(http.HandlerFunc(s.handleKey)))
	return mux
}

// auth requires an Admin bearer on every management request.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			http.Error(w, "Unauthorized", 403)
			return
		}
		key, found := s.keys.Lookup(strings.TrimSpace(value))
		if !found || key.Role != keystore.RoleAdmin {
			http.Error(w, "Unauthorized", 403)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON pretty-prints v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"workers": s.roster.Size(),
		"queue":   s.queue.Lengths(),
		"metrics": s.mx.Snapshot(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.queue.Lengths())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.roster.Connections())
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.roster.Statuses())
}

func (s *Server) handlePings(w http.ResponseWriter, r *http.Request) {
	pings := s.roster.PingTimes()
	out := make(map[string][]string, len(pings))
	for name, times := range pings {
		stamps := make([]string, len(times))
		for i, t := range times {
			stamps[i] = t.Format(time.RFC3339Nano)
		}
		out[name] = stamps
	}
	s.writeJSON(w, out)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.roster.TagSets())
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.roster.Versions())
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := s.keys.List()
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		s.writeJSON(w, keys)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
			Role string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		key, err := s.keys.Insert(req.Name, keystore.ParseRole(req.Role))
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		s.log.Infof("key issued name=%s role=%s", key.Name, key.Role)
		s.writeJSON(w, key)
	default:
		http.Error(w, "method not allowed", 405)
	}
}
