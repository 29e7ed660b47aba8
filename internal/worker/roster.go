package worker

import (
	"sync"
	"time"

	"github.com/hivecore/hivecore/internal/metrics"
)

// Roster is the shared registry of live worker sessions. Sessions are
// appended when a connection is accepted; only the monitor removes
// them. The mutex is held briefly: iteration happens over snapshots.
type Roster struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	mx       *metrics.Collector
}

// NewRoster creates an empty roster.
func NewRoster(mx *metrics.Collector) *Roster {
	return &Roster{
		sessions: make(map[*Session]struct{}),
		mx:       mx,
	}
}

// Add registers a session.
func (r *Roster) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	if r.mx != nil {
		r.mx.WorkerConnected()
	}
}

// Remove drops a session from the roster.
func (r *Roster) Remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	r.mu.Unlock()
	if ok && r.mx != nil {
		r.mx.WorkerClosed()
	}
}

// Snapshot copies the current session list so callers can iterate
// without holding the roster mutex.
func (r *Roster) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Size returns the number of registered sessions.
func (r *Roster) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// label picks the display key for a session: its authenticated name,
// falling back to the remote address before auth completes.
func label(s *Session) string {
	if name := s.State().Name(); name != "" {
		return name
	}
	return s.State().Addr()
}

// Connections returns the session count per worker name.
func (r *Roster) Connections() map[string]int {
	out := make(map[string]int)
	for _, s := range r.Snapshot() {
		out[label(s)]++
	}
	return out
}

// Statuses returns the status list per worker name.
func (r *Roster) Statuses() map[string][]string {
	out := make(map[string][]string)
	for _, s := range r.Snapshot() {
		k := label(s)
		out[k] = append(out[k], s.State().Status().String())
	}
	return out
}

// PingTimes returns the retained heartbeat timestamps per worker name.
func (r *Roster) PingTimes() map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, s := range r.Snapshot() {
		k := label(s)
		out[k] = append(out[k], s.State().Pings()...)
	}
	return out
}

// TagSets returns the advertised model tags per worker name.
func (r *Roster) TagSets() map[string][]string {
	out := make(map[string][]string)
	for _, s := range r.Snapshot() {
		k := label(s)
		if _, seen := out[k]; !seen {
			out[k] = s.State().Tags()
			continue
		}
		out[k] = mergeTags(out[k], s.State().Tags())
	}
	return out
}

// Versions returns the reported worker/backend versions per name.
func (r *Roster) Versions() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, s := range r.Snapshot() {
		wv, bv := s.State().Versions()
		out[label(s)] = map[string]string{"worker": wv, "backend": bv}
	}
	return out
}

// LiveNodes returns the names of the current sessions.
func (r *Roster) LiveNodes() map[string]bool {
	out := make(map[string]bool)
	for _, s := range r.Snapshot() {
		if name := s.State().Name(); name != "" {
			out[name] = true
		}
	}
	return out
}

// LiveModels returns the union of all advertised tag sets.
func (r *Roster) LiveModels() map[string]bool {
	out := make(map[string]bool)
	for _, s := range r.Snapshot() {
		for _, t := range s.State().Tags() {
			out[t] = true
		}
	}
	return out
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
