package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/codec"
	"github.com/hivecore/hivecore/internal/intake"
	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/monitor"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/worker"
)

type harness struct {
	proxyAddr  string
	workerAddr string
	keys       *keystore.Store
	queue      *queue.Queue
	roster     *worker.Roster
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startHarness wires the dispatch core the way main does, on ephemeral
// ports with a fast monitor.
func startHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()

	keys, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })

	mx := metrics.NewCollector()
	q := queue.New()
	roster := worker.NewRoster(mx)

	mon := monitor.New(monitor.Config{
		Period:         20 * time.Millisecond,
		PollingTimeout: 5 * time.Second,
		WorkingTimeout: 30 * time.Second,
	}, roster, q, log, mx)

	h := &harness{
		proxyAddr:  freePort(t),
		workerAddr: freePort(t),
		keys:       keys,
		queue:      q,
		roster:     roster,
	}

	in := intake.NewServer(intake.Config{
		Addr:        h.proxyAddr,
		ReadTimeout: 5 * time.Second,
	}, q, keys, nil, log, mx)

	nodes := worker.NewServer(worker.ServerConfig{
		Addr: h.workerAddr,
		Session: worker.Config{
			ExceptionThreshold: 3,
			ChunkBufferSize:    16 * 1024,
		},
	}, roster, q, keys, log, mx)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go in.Run(ctx)
	go nodes.Run(ctx)
	go mon.Run(ctx)

	// wait for the listeners to come up
	for _, addr := range []string{h.proxyAddr, h.workerAddr} {
		deadline := time.Now().Add(2 * time.Second)
		for {
			c, err := net.Dial("tcp", addr)
			if err == nil {
				c.Close()
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("listener %s never came up", addr)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return h
}

// dialWorker connects and authenticates a worker, advertising tags.
func (h *harness) dialWorker(t *testing.T, name, nonce string, tags []string) (net.Conn, *bufio.Reader) {
	t.Helper()
	k, err := h.keys.Insert(name, keystore.RoleWorker)
	if err != nil {
		// the key may exist from an earlier connection of the same worker
		for _, existing := range h.mustList(t) {
			if existing.Name == name {
				k = existing
			}
		}
		if k.Value == "" {
			t.Fatal(err)
		}
	}
	conn, err := net.Dial("tcp", h.workerAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	fmt.Fprintf(conn, "AUTH /%s;%s HIVE\r\n\r\n", k.Value, nonce)
	if len(tags) > 0 {
		fmt.Fprintf(conn, "TAGS /%s HIVE\r\n\r\n", strings.Join(tags, ";"))
	}
	return conn, bufio.NewReader(conn)
}

func (h *harness) mustList(t *testing.T) []keystore.Key {
	t.Helper()
	keys, err := h.keys.List()
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

// pollUntilTask polls until the proxy hands over an HTTP request.
func pollUntilTask(t *testing.T, conn net.Conn, br *bufio.Reader, models string) *codec.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fmt.Fprintf(conn, "POLL /%s HIVE\r\n\r\n", models)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msg, err := codec.ReadMessage(br)
		if err != nil {
			t.Fatalf("worker read failed: %v", err)
		}
		if !msg.IsHive() {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never received a task")
	return nil
}

func TestEndToEndHappyBroadcast(t *testing.T) {
	h := startHarness(t)
	wconn, wbr := h.dialWorker(t, "w1", "n1", []string{"m1"})

	// let TAGS land before the sweep judges m1
	deadline := time.Now().Add(2 * time.Second)
	for !h.roster.LiveModels()["m1"] && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	client, err := net.Dial("tcp", h.proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	body := `{"model":"m1","prompt":"hi"}`
	fmt.Fprintf(client, "POST /api/generate HTTP/1.1\r\ncontent-type: application/json\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	req := pollUntilTask(t, wconn, wbr, "m1")
	if req.Method != "POST" || req.URI != "/api/generate" {
		t.Errorf("worker saw %s %s", req.Method, req.URI)
	}
	if codec.ExtractJSONStringField(req.Body, "model") != "m1" {
		t.Errorf("worker body = %q", req.Body)
	}

	fmt.Fprintf(wconn, "HTTP/1.1 200 OK\r\ncontent-length: 5\r\n\r\nhello")

	resp, err := codec.ReadMessage(bufio.NewReader(client))
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hello" {
		t.Errorf("client got %d %q, want 200 hello", resp.Status, resp.Body)
	}
	if h.queue.Depth() != 0 {
		t.Errorf("queue depth = %d after round trip", h.queue.Depth())
	}
}

func TestEndToEndUnroutableRejected(t *testing.T) {
	h := startHarness(t)
	// a live worker serving m1 only
	h.dialWorker(t, "w1", "n1", []string{"m1"})
	time.Sleep(100 * time.Millisecond) // let TAGS land before the sweep judges mX

	client, err := net.Dial("tcp", h.proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	body := `{"model":"mX"}`
	fmt.Fprintf(client, "POST /api/generate HTTP/1.1\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _ := io.ReadAll(client)
	if !strings.HasPrefix(string(data), "HTTP/1.1 405 Method Not Allowed") {
		t.Errorf("client got %q, want 405", data)
	}
}

func TestEndToEndSplitBrainRejected(t *testing.T) {
	h := startHarness(t)
	orig, obr := h.dialWorker(t, "w1", "n1", []string{"m1"})

	// keep the original session alive and verified
	fmt.Fprintf(orig, "POLL /m1 HIVE\r\n\r\n")
	_ = orig.SetReadDeadline(time.Now().Add(2 * time.Second))
	if msg, err := codec.ReadMessage(obr); err != nil || msg.Method != "PONG" {
		t.Fatalf("original worker not serving: %v %v", msg, err)
	}

	// same key, different nonce: the monitor must reject the newcomer
	keys := h.mustList(t)
	var tok string
	for _, k := range keys {
		if k.Name == "w1" {
			tok = k.Value
		}
	}
	dup, err := net.Dial("tcp", h.workerAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer dup.Close()
	fmt.Fprintf(dup, "AUTH /%s;n2 HIVE\r\n\r\n", tok)

	_ = dup.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := dup.Read(buf); err != io.EOF {
		t.Errorf("duplicate connection should be closed, got %v", err)
	}

	// the original keeps serving
	fmt.Fprintf(orig, "POLL /m1 HIVE\r\n\r\n")
	_ = orig.SetReadDeadline(time.Now().Add(2 * time.Second))
	if msg, err := codec.ReadMessage(obr); err != nil || msg.Method != "PONG" {
		t.Errorf("original worker lost its session: %v %v", msg, err)
	}
}

func TestEndToEndTargetedNode(t *testing.T) {
	h := startHarness(t)
	w1, b1 := h.dialWorker(t, "w1", "n1", []string{"m1"})
	w2, b2 := h.dialWorker(t, "w2", "n2", []string{"m1"})

	// wait until both workers have authenticated (their names are on
	// the roster) before queuing
	deadline := time.Now().Add(2 * time.Second)
	for len(h.roster.LiveNodes()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	client, err := net.Dial("tcp", h.proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	body := `{"model":"m1"}`
	fmt.Fprintf(client, "POST /api/generate HTTP/1.1\r\nnode: w1\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	waitDepth := time.Now().Add(2 * time.Second)
	for h.queue.Depth() == 0 && time.Now().Before(waitDepth) {
		time.Sleep(5 * time.Millisecond)
	}

	// w2 polls first and must not receive the targeted task
	fmt.Fprintf(w2, "POLL /m1 HIVE\r\n\r\n")
	_ = w2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if msg, err := codec.ReadMessage(b2); err != nil || msg.Method != "PONG" {
		t.Fatalf("w2 should get PONG, got %v %v", msg, err)
	}

	req := pollUntilTask(t, w1, b1, "m1")
	if req.Header("node") != "w1" {
		t.Errorf("w1 received request without its node header: %v", req.Headers)
	}
	fmt.Fprintf(w1, "HTTP/1.1 200 OK\r\ncontent-length: 2\r\n\r\nok")

	resp, err := codec.ReadMessage(bufio.NewReader(client))
	if err != nil || resp.Status != 200 {
		t.Errorf("client response: %v %v", resp, err)
	}
}
