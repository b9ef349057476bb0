// Package copier duplicates and relocates record objects between
// namespaces.
package copier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore"
)

// ErrSourceNotRemoved is returned by Move when the copy succeeded but the
// source could not be deleted.
var ErrSourceNotRemoved = errors.New("moved record source not removed")

// Config configures an Engine.
type Config struct {
	// Conn is the handle copies are written through. The engine switches
	// its namespace for the duration of each call and restores it.
	Conn   objstore.Conn
	Policy objstore.WaitPolicy

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine copies and moves objects. Calls are serialized because they
// switch the namespace of the shared handle.
type Engine struct {
	conn    objstore.Conn
	policy  objstore.WaitPolicy
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// New returns a copy engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("%w: copier needs a store handle", objstore.ErrConfigInvalid)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		conn:    cfg.Conn,
		policy:  cfg.Policy,
		logger:  cfg.Logger.With().Str("component", "copier").Logger(),
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// Copy duplicates srcOID in srcNS as dstOID in dstNS. Within one namespace
// the copy is made through the engine's own handle; across namespaces a
// second handle bound to srcNS serves as the copy source. updates are
// applied on the destination, and its save date and mtime are set to now.
// The whole copy is one operation; on failure the source is untouched.
func (e *Engine) Copy(ctx context.Context, srcOID, srcNS, dstOID, dstNS string, updates map[attr.Key]attr.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.copy(ctx, srcOID, srcNS, dstOID, dstNS, updates)
	e.metrics.RecordCopy("copy", err)
	return err
}

func (e *Engine) copy(ctx context.Context, srcOID, srcNS, dstOID, dstNS string, updates map[attr.Key]attr.Value) error {
	restore := e.bind(dstNS)
	defer restore()

	src := e.conn
	if srcNS != dstNS {
		src = e.conn.Clone()
		src.SetNamespace(srcNS)
	}

	now := e.now()
	op := objstore.NewWriteOp().CopyFrom(src, srcOID)
	if err := applyUpdates(op, updates); err != nil {
		return err
	}
	if _, ok := updates[attr.KeySaveDate]; !ok {
		stamp := attr.Time(now)
		if err := stamp.Check(); err != nil {
			return fmt.Errorf("save date: %w", err)
		}
		op.SetXattr(attr.KeySaveDate.String(), attr.Encode(stamp))
	}
	op.SetMtime(now)

	if err := e.run(dstOID, op); err != nil {
		e.logger.Warn().Err(err).
			Str("src", srcOID).
			Str("src_ns", srcNS).
			Str("dst", dstOID).
			Str("dst_ns", dstNS).
			Msg("Copy failed")
		return fmt.Errorf("copy %s/%s to %s/%s: %w", srcNS, srcOID, dstNS, dstOID, err)
	}
	return nil
}

// Move relocates srcOID. Within one namespace no data moves: updates are
// applied to srcOID in place and srcOID is returned. Across namespaces the
// object is copied to dstOID and the source deleted only after the copy
// succeeded; dstOID is returned.
func (e *Engine) Move(ctx context.Context, srcOID, srcNS, dstOID, dstNS string, updates map[attr.Key]attr.Value) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oid, err := e.move(ctx, srcOID, srcNS, dstOID, dstNS, updates)
	e.metrics.RecordCopy("move", err)
	return oid, err
}

func (e *Engine) move(ctx context.Context, srcOID, srcNS, dstOID, dstNS string, updates map[attr.Key]attr.Value) (string, error) {
	if srcNS == dstNS {
		restore := e.bind(srcNS)
		defer restore()

		op := objstore.NewWriteOp().AssertExists()
		if err := applyUpdates(op, updates); err != nil {
			return "", err
		}
		if err := e.run(srcOID, op); err != nil {
			return "", fmt.Errorf("relabel %s/%s: %w", srcNS, srcOID, err)
		}
		return srcOID, nil
	}

	if err := e.copy(ctx, srcOID, srcNS, dstOID, dstNS, updates); err != nil {
		return "", err
	}

	restore := e.bind(srcNS)
	defer restore()
	err := e.conn.Remove(ctx, srcOID)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		e.logger.Error().Err(err).
			Str("src", srcOID).
			Str("src_ns", srcNS).
			Msg("Failed to remove move source")
		return dstOID, fmt.Errorf("%w: %s/%s: %w", ErrSourceNotRemoved, srcNS, srcOID, err)
	}
	return dstOID, nil
}

// bind switches the engine handle to ns and returns the function restoring
// the previous namespace. A handle already in ns is left alone.
func (e *Engine) bind(ns string) func() {
	prev := e.conn.Namespace()
	if prev == ns {
		return func() {}
	}
	e.conn.SetNamespace(ns)
	return func() { e.conn.SetNamespace(prev) }
}

// run submits op asynchronously and waits for it.
func (e *Engine) run(oid string, op *objstore.WriteOp) error {
	comp, err := e.conn.AioOperate(oid, op)
	if err != nil {
		return err
	}
	defer comp.Release()
	return comp.Wait(e.policy)
}

func applyUpdates(op *objstore.WriteOp, updates map[attr.Key]attr.Value) error {
	keys := make([]attr.Key, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := attr.CheckKey(k); err != nil {
			return err
		}
		if err := updates[k].Check(); err != nil {
			return fmt.Errorf("attribute %s: %w", k.Name(), err)
		}
		op.SetXattr(k.String(), attr.Encode(updates[k]))
	}
	return nil
}
