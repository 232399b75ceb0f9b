package sse

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one SSE frame: either an event with serialized data, or a bare
// comment (used for keepalives).
type Message struct {
	Event   string
	Data    string
	Comment string
}

// Connection is one browser's event stream. Messages are queued on a
// buffered channel drained by the HTTP handler goroutine; a slow consumer
// fills the queue and gets evicted rather than stalling the fan-out.
type Connection struct {
	ID         string
	TenantID   string
	EmployeeID string
	SessionKey string
	TabID      string
	CreatedAt  time.Time

	queue     chan Message
	closeOnce sync.Once
	done      chan struct{}

	lastPing atomic.Int64 // unix nanos of the last keepalive
}

func newConnection(id, tenantID, employeeID, sessionKey, tabID string, queueSize int) *Connection {
	c := &Connection{
		ID:         id,
		TenantID:   tenantID,
		EmployeeID: employeeID,
		SessionKey: sessionKey,
		TabID:      tabID,
		CreatedAt:  time.Now(),
		queue:      make(chan Message, queueSize),
		done:       make(chan struct{}),
	}
	c.touchPing()
	return c
}

// LastPing is the time of the most recent keepalive queued on this stream.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

func (c *Connection) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// Send queues a message without blocking. A full queue is an error; the
// manager treats it as a dead consumer.
func (c *Connection) Send(msg Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.ID)
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return fmt.Errorf("connection %s queue full", c.ID)
	}
}

// Messages is the stream drained by the HTTP handler.
func (c *Connection) Messages() <-chan Message {
	return c.queue
}

// Done is closed when the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close is idempotent and safe to call from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
