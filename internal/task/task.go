// Package task defines the unit of work flowing through the dispatch
// queue: one client inference request together with the socket its
// response must be written to.
package task

import (
	"fmt"
	"net"
	"time"

	"github.com/hivecore/hivecore/internal/codec"
)

// Task represents one queued client inference request. It is created
// by the intake listener, lives in at most one sub-queue, is consumed
// by exactly one worker session and released when the proxy finishes
// or the monitor rejects it.
type Task struct {
	Conn net.Conn
	Req  *codec.Message

	// Routing key: exactly one of Node (targeted) or Model (broadcast)
	// is set by the queue on admission.
	Model string
	Node  string

	// AssignedTo is the name of the node that pulled the task.
	AssignedTo string

	EnqueuedAt  time.Time
	DequeuedAt  time.Time
	CompletedAt time.Time
}

// New wraps a parsed client request and its socket as a task.
func New(conn net.Conn, req *codec.Message) *Task {
	return &Task{Conn: conn, Req: req}
}

// Targeted reports whether the task is routed to an explicit node.
func (t *Task) Targeted() bool {
	return t.Node != ""
}

// RoutingKey returns the node or model the task is routed by.
func (t *Task) RoutingKey() string {
	if t.Node != "" {
		return t.Node
	}
	return t.Model
}

// QueueTime is the time the task spent queued before a worker pulled it.
func (t *Task) QueueTime() time.Duration {
	if t.EnqueuedAt.IsZero() || t.DequeuedAt.IsZero() {
		return 0
	}
	return t.DequeuedAt.Sub(t.EnqueuedAt)
}

// ProxyTime is the time spent proxying the response.
func (t *Task) ProxyTime() time.Duration {
	if t.DequeuedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.DequeuedAt)
}

// TotalTime is the full enqueue-to-completion duration.
func (t *Task) TotalTime() time.Duration {
	if t.EnqueuedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.EnqueuedAt)
}

// RespondStatus writes a bare HTTP status response to the client
// socket. Used for synthesized errors (405, 502, 500) when no worker
// response reaches the client.
func (t *Task) RespondStatus(code int, reason string) error {
	_, err := fmt.Fprintf(t.Conn, "HTTP/1.1 %d %s\r\ncontent-length: 0\r\n\r\n", code, reason)
	return err
}

// Release closes the client socket.
func (t *Task) Release() {
	_ = t.Conn.Close()
}
