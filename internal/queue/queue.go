// Package queue implements the dispatch queue: model-keyed and
// node-keyed FIFO sub-queues with admission, fetch and an
// unsatisfiable-request scan.
package queue

import (
	"sync"
	"time"

	"github.com/hivecore/hivecore/internal/codec"
	"github.com/hivecore/hivecore/internal/task"
)

// Queue holds pending tasks keyed by model name or explicit node name.
// All operations are safe for concurrent use and non-blocking; a given
// task sits in exactly one sub-queue until Fetch or FetchUnsatisfiable
// removes it.
type Queue struct {
	mu      sync.Mutex
	byModel map[string][]*task.Task
	byNode  map[string][]*task.Task
}

// New creates an empty dispatch queue.
func New() *Queue {
	return &Queue{
		byModel: make(map[string][]*task.Task),
		byNode:  make(map[string][]*task.Task),
	}
}

// Admit routes a task into a sub-queue and stamps its enqueue time.
// Control-dialect messages are rejected, as are requests whose model
// cannot be extracted from the body. Sub-queues are created on first
// use. Returns false when the task was not admitted.
func (q *Queue) Admit(t *task.Task) bool {
	if t.Req == nil || t.Req.IsHive() {
		return false
	}
	node := t.Req.Header("node")
	var model string
	if node == "" {
		model = codec.ExtractJSONStringField(t.Req.Body, "model")
		if model == "" {
			return false
		}
	}
	t.EnqueuedAt = time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if node != "" {
		t.Node = node
		q.byNode[node] = append(q.byNode[node], t)
	} else {
		t.Model = model
		q.byModel[model] = append(q.byModel[model], t)
	}
	return true
}

// Fetch returns the next task for a polling worker: first the worker's
// own node queue, then each polled model in the order the worker
// listed them. FIFO within a sub-queue, no fairness across models.
// The dequeue time and pulling node are stamped on the returned task.
// Returns nil when nothing matches.
func (q *Queue) Fetch(models []string, node string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t := q.popLocked(q.byNode, node); t != nil {
		return q.stampLocked(t, node)
	}
	for _, model := range models {
		if t := q.popLocked(q.byModel, model); t != nil {
			return q.stampLocked(t, node)
		}
	}
	return nil
}

// FetchUnsatisfiable removes and returns any queued task whose routing
// key is not served by the given live sets: a node-routed task whose
// node is absent from liveNodes, or a model-routed task whose model is
// absent from liveModels. Returns nil when every queued task is
// routable.
func (q *Queue) FetchUnsatisfiable(liveNodes, liveModels map[string]bool) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for node := range q.byNode {
		if !liveNodes[node] {
			if t := q.popLocked(q.byNode, node); t != nil {
				return t
			}
		}
	}
	for model := range q.byModel {
		if !liveModels[model] {
			if t := q.popLocked(q.byModel, model); t != nil {
				return t
			}
		}
	}
	return nil
}

// Lengths returns a snapshot of every sub-queue size, labels prefixed
// "Model:" or "Node:". Calling it does not mutate the queues.
func (q *Queue) Lengths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.byModel)+len(q.byNode))
	for model, ts := range q.byModel {
		out["Model:"+model] = len(ts)
	}
	for node, ts := range q.byNode {
		out["Node:"+node] = len(ts)
	}
	return out
}

// Depth returns the total number of queued tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ts := range q.byModel {
		n += len(ts)
	}
	for _, ts := range q.byNode {
		n += len(ts)
	}
	return n
}

func (q *Queue) popLocked(m map[string][]*task.Task, key string) *task.Task {
	ts := m[key]
	if len(ts) == 0 {
		return nil
	}
	t := ts[0]
	m[key] = ts[1:]
	return t
}

func (q *Queue) stampLocked(t *task.Task, node string) *task.Task {
	t.DequeuedAt = time.Now()
	t.AssignedTo = node
	return t
}
