// Package monitor runs the periodic sweep over the worker roster and
// the dispatch queue: it verifies pending sessions, times out idle or
// stuck workers, closes stale connections and rejects queued tasks no
// live worker can serve.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/worker"
)

// Config holds the monitor tunables.
type Config struct {
	Period         time.Duration
	PollingTimeout time.Duration
	WorkingTimeout time.Duration
}

// Monitor owns the worker roster.
type Monitor struct {
	cfg    Config
	roster *worker.Roster
	queue  *queue.Queue
	log    *zap.SugaredLogger
	mx     *metrics.Collector
}

// New creates a monitor over the given roster and queue.
func New(cfg Config, roster *worker.Roster, q *queue.Queue, log *zap.SugaredLogger, mx *metrics.Collector) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = 500 * time.Millisecond
	}
	return &Monitor{cfg: cfg, roster: roster, queue: q, log: log, mx: mx}
}

// Run executes the sweep every period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one sweep. Exported so tests can drive the monitor
// without waiting on the ticker.
func (m *Monitor) Tick() {
	sessions := m.roster.Snapshot()

	m.verifyPending(sessions)
	m.closeStale(sessions, time.Now())
	m.rejectUnsatisfiable()

	m.mx.SetQueueDepth(m.queue.Depth())
}

// verifyPending settles every Waiting session: a name already held by
// a live session under a different nonce is split-brain key reuse and
// is rejected; anything else is verified.
func (m *Monitor) verifyPending(sessions []*worker.Session) {
	for _, s := range sessions {
		st := s.State()
		if st.Status() != worker.Waiting {
			continue
		}
		dup := false
		for _, o := range sessions {
			if o == s || !o.State().Status().Live() {
				continue
			}
			if o.State().Name() == st.Name() && o.State().Nonce() != st.Nonce() {
				dup = true
				break
			}
		}
		if dup {
			st.SetStatus(worker.Rejected)
			m.log.Warnf("worker rejected name=%s addr=%s: name in use under different nonce", st.Name(), st.Addr())
		} else {
			st.SetStatus(worker.Verified)
		}
	}
}

// closeStale closes and removes every session that timed out or
// already ended. Timeout thresholds depend on state: polling workers
// must report within the polling timeout, a working worker gets the
// longer working timeout.
func (m *Monitor) closeStale(sessions []*worker.Session, now time.Time) {
	for _, s := range sessions {
		st := s.State()
		status := st.Status()
		idle := now.Sub(st.LastActive())

		stale := false
		switch status {
		case worker.Polling, worker.CompletedWork:
			stale = idle > m.cfg.PollingTimeout
		case worker.Working:
			stale = idle > m.cfg.WorkingTimeout
		case worker.Closed, worker.Rejected:
			stale = true
		}
		if !stale {
			continue
		}
		if status != worker.Closed {
			m.log.Infof("closing worker name=%s addr=%s status=%s idle=%s",
				st.Name(), st.Addr(), status, idle.Round(time.Millisecond))
		}
		s.Close()
		m.roster.Remove(s)
	}
}

// rejectUnsatisfiable drains every queued task whose routing key no
// live worker serves, answering each client with 405.
func (m *Monitor) rejectUnsatisfiable() {
	liveNodes := m.roster.LiveNodes()
	liveModels := m.roster.LiveModels()
	for {
		t := m.queue.FetchUnsatisfiable(liveNodes, liveModels)
		if t == nil {
			return
		}
		_ = t.RespondStatus(405, "Method Not Allowed")
		t.Release()
		m.mx.TaskRejected()
		m.log.Infof("task rejected key=%s: no live worker serves it", t.RoutingKey())
	}
}
