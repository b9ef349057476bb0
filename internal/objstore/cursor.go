package objstore

import (
	"context"
	"errors"
	"io"
)

// ListEntry is one object found by a listing.
type ListEntry struct {
	OID       string
	Namespace string
	Xattrs    map[string][]byte
}

// Lister is the backend side of a Cursor. Next returns io.EOF when the
// listing is exhausted.
type Lister interface {
	Next(ctx context.Context) (ListEntry, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) (ListEntry, error)

// Next calls f.
func (f ListerFunc) Next(ctx context.Context) (ListEntry, error) {
	return f(ctx)
}

// Cursor iterates a listing:
//
//	cur := conn.List(ctx, filter)
//	for cur.Next() {
//		e := cur.Entry()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ctx   context.Context
	src   Lister
	entry ListEntry
	err   error
	done  bool
}

// NewCursor wraps a backend lister.
func NewCursor(ctx context.Context, src Lister) *Cursor {
	return &Cursor{ctx: ctx, src: src}
}

// ErrCursor returns a cursor that yields nothing and reports err.
func ErrCursor(err error) *Cursor {
	return &Cursor{err: err, done: true}
}

// Next advances to the next entry.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		c.done = true
		return false
	}
	e, err := c.src.Next(c.ctx)
	if errors.Is(err, io.EOF) {
		c.done = true
		return false
	}
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	c.entry = e
	return true
}

// Entry returns the current entry.
func (c *Cursor) Entry() ListEntry {
	return c.entry
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Collect drains the cursor.
func (c *Cursor) Collect() ([]ListEntry, error) {
	var out []ListEntry
	for c.Next() {
		out = append(out, c.Entry())
	}
	return out, c.Err()
}
