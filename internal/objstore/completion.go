package objstore

import (
	"sync"
	"sync/atomic"
)

// outstanding counts completions that were created but not released.
var outstanding atomic.Int64

// Outstanding returns the number of unreleased completions in the process.
func Outstanding() int64 {
	return outstanding.Load()
}

// Completion tracks one in-flight asynchronous operation.
//
// A backend signals Ack once the primary applied the operation and Commit
// once it is durable everywhere. Commit implies Ack. Callers wait with a
// WaitPolicy and must call Release exactly once when done.
type Completion struct {
	acked     chan struct{}
	committed chan struct{}
	ackOnce   sync.Once
	comOnce   sync.Once

	mu       sync.Mutex
	err      error
	released bool
}

// NewCompletion returns a pending completion. Backends create one per
// submitted operation.
func NewCompletion() *Completion {
	outstanding.Add(1)
	return &Completion{
		acked:     make(chan struct{}),
		committed: make(chan struct{}),
	}
}

// Ack marks the operation applied on the primary. The first non-nil error
// reported through Ack or Commit is kept.
func (c *Completion) Ack(err error) {
	c.ackOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.acked)
	})
}

// Commit marks the operation durable.
func (c *Completion) Commit(err error) {
	c.Ack(err)
	c.comOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.committed)
	})
}

// Wait blocks according to policy and returns the operation result.
func (c *Completion) Wait(policy WaitPolicy) error {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return ErrReleased
	}

	switch policy {
	case WaitAcked:
		<-c.acked
	default:
		<-c.committed
	}
	return c.Err()
}

// Err returns the operation result observed so far.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Release frees the completion. Releasing twice is a no-op.
func (c *Completion) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	outstanding.Add(-1)
}

// Failed returns a completion that already failed with err. Decorators use it
// to inject failures without reaching the backend.
func Failed(err error) *Completion {
	c := NewCompletion()
	c.Commit(err)
	return c
}
