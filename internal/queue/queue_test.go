package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hivecore/hivecore/internal/codec"
	"github.com/hivecore/hivecore/internal/task"
)

func modelTask(model string) *task.Task {
	req := &codec.Message{
		Proto:  codec.ProtoHTTP,
		Method: "POST",
		URI:    "/api/generate",
		Body:   []byte(fmt.Sprintf(`{"model":%q,"prompt":"hi"}`, model)),
	}
	return task.New(nil, req)
}

func nodeTask(node string) *task.Task {
	req := &codec.Message{
		Proto:  codec.ProtoHTTP,
		Method: "POST",
		URI:    "/api/generate",
		Body:   []byte(`{"prompt":"hi"}`),
	}
	req.SetHeader("node", node)
	return task.New(nil, req)
}

func TestAdmitBroadcast(t *testing.T) {
	q := New()
	tk := modelTask("m1")
	if !q.Admit(tk) {
		t.Fatal("Admit rejected a routable task")
	}
	if tk.Model != "m1" || tk.Node != "" {
		t.Errorf("routing key = model %q node %q", tk.Model, tk.Node)
	}
	if tk.EnqueuedAt.IsZero() {
		t.Error("enqueue time not stamped")
	}
	if got := q.Lengths()["Model:m1"]; got != 1 {
		t.Errorf("Lengths[Model:m1] = %d, want 1", got)
	}
}

func TestAdmitTargeted(t *testing.T) {
	q := New()
	tk := nodeTask("w1")
	if !q.Admit(tk) {
		t.Fatal("Admit rejected a node-routed task")
	}
	if tk.Node != "w1" {
		t.Errorf("node = %q, want w1", tk.Node)
	}
	if got := q.Lengths()["Node:w1"]; got != 1 {
		t.Errorf("Lengths[Node:w1] = %d, want 1", got)
	}
}

func TestAdmitRejections(t *testing.T) {
	q := New()
	hive := task.New(nil, codec.NewHive("POLL", "m1"))
	if q.Admit(hive) {
		t.Error("control-dialect task must be rejected")
	}
	noModel := task.New(nil, &codec.Message{Proto: codec.ProtoHTTP, Method: "POST", URI: "/", Body: []byte(`{"prompt":"hi"}`)})
	if q.Admit(noModel) {
		t.Error("task without model must be rejected")
	}
	if q.Admit(task.New(nil, nil)) {
		t.Error("task without request must be rejected")
	}
}

func TestFetchFIFO(t *testing.T) {
	q := New()
	t1 := modelTask("m1")
	t2 := modelTask("m1")
	q.Admit(t1)
	q.Admit(t2)

	got1 := q.Fetch([]string{"m1"}, "w1")
	got2 := q.Fetch([]string{"m1"}, "w1")
	if got1 != t1 || got2 != t2 {
		t.Error("FIFO order violated within sub-queue")
	}
	if got1.AssignedTo != "w1" || got1.DequeuedAt.IsZero() {
		t.Errorf("dequeue stamp missing: assigned=%q", got1.AssignedTo)
	}
	if q.Fetch([]string{"m1"}, "w1") != nil {
		t.Error("empty queue should return nil")
	}
}

func TestFetchModelOrder(t *testing.T) {
	q := New()
	ta := modelTask("a")
	tb := modelTask("b")
	q.Admit(ta)
	q.Admit(tb)

	if got := q.Fetch([]string{"b", "a"}, "w1"); got != tb {
		t.Error("models must be tried in the caller-supplied order")
	}
}

func TestFetchNodeFirst(t *testing.T) {
	q := New()
	tm := modelTask("m1")
	tn := nodeTask("w1")
	q.Admit(tm)
	q.Admit(tn)

	if got := q.Fetch([]string{"m1"}, "w1"); got != tn {
		t.Error("node queue must be drained before model queues")
	}
	if got := q.Fetch([]string{"m1"}, "w2"); got != tm {
		t.Error("model task should remain for other pullers")
	}
}

func TestFetchEmptyModelList(t *testing.T) {
	q := New()
	q.Admit(modelTask("m1"))
	if q.Fetch(nil, "w9") != nil {
		t.Error("empty model list with no node queue must return nil")
	}
}

func TestFetchUnsatisfiable(t *testing.T) {
	q := New()
	tm := modelTask("mX")
	tn := nodeTask("gone")
	q.Admit(tm)
	q.Admit(tn)

	live := map[string]bool{}
	first := q.FetchUnsatisfiable(map[string]bool{}, live)
	second := q.FetchUnsatisfiable(map[string]bool{}, live)
	if first == nil || second == nil {
		t.Fatal("both tasks are unsatisfiable")
	}
	if q.FetchUnsatisfiable(map[string]bool{}, live) != nil {
		t.Error("queue drained, expected nil")
	}
}

func TestFetchUnsatisfiableSkipsServed(t *testing.T) {
	q := New()
	q.Admit(modelTask("m1"))
	q.Admit(nodeTask("w1"))

	got := q.FetchUnsatisfiable(map[string]bool{"w1": true}, map[string]bool{"m1": true})
	if got != nil {
		t.Errorf("served tasks must not be rejected, got key %q", got.RoutingKey())
	}
	if q.Depth() != 2 {
		t.Errorf("depth = %d, want 2", q.Depth())
	}
}

func TestLengthsIdempotent(t *testing.T) {
	q := New()
	q.Admit(modelTask("m1"))
	q.Admit(modelTask("m1"))
	a := q.Lengths()
	b := q.Lengths()
	if a["Model:m1"] != 2 || b["Model:m1"] != 2 {
		t.Errorf("Lengths mutated queue state: %v then %v", a, b)
	}
}

func TestConcurrentAdmitFetch(t *testing.T) {
	q := New()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Admit(modelTask("m1"))
		}
	}()
	fetched := 0
	go func() {
		defer wg.Done()
		for fetched < n {
			if q.Fetch([]string{"m1"}, "w1") != nil {
				fetched++
			}
		}
	}()
	wg.Wait()
	if q.Depth() != 0 {
		t.Errorf("depth = %d after draining, want 0", q.Depth())
	}
}
