// Package objstoretest provides helpers for tests running against the
// filesystem object store.
package objstoretest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/internal/objstore/filestore"
)

// NewCluster opens a filestore cluster in a temp dir, closed on cleanup.
func NewCluster(t *testing.T) *filestore.Cluster {
	t.Helper()
	return NewClusterWithOptions(t, filestore.Options{})
}

// NewClusterWithOptions is NewCluster with explicit options. NoSync is
// always set.
func NewClusterWithOptions(t *testing.T, opts filestore.Options) *filestore.Cluster {
	t.Helper()
	opts.NoSync = true
	c, err := filestore.Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// NewConn opens pool on a fresh cluster.
func NewConn(t *testing.T, pool string) objstore.Conn {
	t.Helper()
	conn, err := NewCluster(t).OpenPool(pool)
	require.NoError(t, err)
	return conn
}

// Call is one recorded handle call.
type Call struct {
	Method    string
	OID       string
	Namespace string
	Op        *objstore.WriteOp
}

type faults struct {
	submitErr   func(oid string, op *objstore.WriteOp) error
	completeErr func(oid string, op *objstore.WriteOp) error
	operateErr  func(oid string, op *objstore.WriteOp) error
	removeErr   func(oid string) error
	listErr     func(ns string) error
}

type recorderState struct {
	mu     sync.Mutex
	calls  []Call
	faults faults
}

// Recorder decorates a Conn, recording calls and injecting failures. Clones
// share the recording and the fault hooks.
type Recorder struct {
	objstore.Conn
	state *recorderState
}

var _ objstore.Conn = (*Recorder)(nil)

// NewRecorder wraps conn.
func NewRecorder(conn objstore.Conn) *Recorder {
	return &Recorder{Conn: conn, state: &recorderState{}}
}

// Unwrap returns the decorated handle.
func (r *Recorder) Unwrap() objstore.Conn {
	return r.Conn
}

// Calls returns a copy of every recorded call.
func (r *Recorder) Calls() []Call {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return append([]Call(nil), r.state.calls...)
}

// CallsOf returns the recorded calls of one method.
func (r *Recorder) CallsOf(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset drops the recording. Fault hooks stay installed.
func (r *Recorder) Reset() {
	r.state.mu.Lock()
	r.state.calls = nil
	r.state.mu.Unlock()
}

// FailSubmit makes AioOperate return fn's error without submitting.
func (r *Recorder) FailSubmit(fn func(oid string, op *objstore.WriteOp) error) {
	r.state.mu.Lock()
	r.state.faults.submitErr = fn
	r.state.mu.Unlock()
}

// FailCompletion makes AioOperate hand back an already failed completion.
func (r *Recorder) FailCompletion(fn func(oid string, op *objstore.WriteOp) error) {
	r.state.mu.Lock()
	r.state.faults.completeErr = fn
	r.state.mu.Unlock()
}

// FailOperate makes Operate return fn's error without applying the op.
func (r *Recorder) FailOperate(fn func(oid string, op *objstore.WriteOp) error) {
	r.state.mu.Lock()
	r.state.faults.operateErr = fn
	r.state.mu.Unlock()
}

// FailRemove makes Remove return fn's error without removing.
func (r *Recorder) FailRemove(fn func(oid string) error) {
	r.state.mu.Lock()
	r.state.faults.removeErr = fn
	r.state.mu.Unlock()
}

// FailList makes List return a cursor failing with fn's error.
func (r *Recorder) FailList(fn func(ns string) error) {
	r.state.mu.Lock()
	r.state.faults.listErr = fn
	r.state.mu.Unlock()
}

func (r *Recorder) record(c Call) {
	r.state.mu.Lock()
	r.state.calls = append(r.state.calls, c)
	r.state.mu.Unlock()
}

func (r *Recorder) hooks() faults {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return r.state.faults
}

func (r *Recorder) SetNamespace(ns string) {
	r.record(Call{Method: "SetNamespace", Namespace: ns})
	r.Conn.SetNamespace(ns)
}

func (r *Recorder) Clone() objstore.Conn {
	r.record(Call{Method: "Clone", Namespace: r.Conn.Namespace()})
	return &Recorder{Conn: r.Conn.Clone(), state: r.state}
}

func (r *Recorder) Operate(ctx context.Context, oid string, op *objstore.WriteOp) error {
	r.record(Call{Method: "Operate", OID: oid, Namespace: r.Conn.Namespace(), Op: op})
	if h := r.hooks(); h.operateErr != nil {
		if err := h.operateErr(oid, op); err != nil {
			return err
		}
	}
	return r.Conn.Operate(ctx, oid, op)
}

func (r *Recorder) AioOperate(oid string, op *objstore.WriteOp) (*objstore.Completion, error) {
	r.record(Call{Method: "AioOperate", OID: oid, Namespace: r.Conn.Namespace(), Op: op})
	h := r.hooks()
	if h.submitErr != nil {
		if err := h.submitErr(oid, op); err != nil {
			return nil, err
		}
	}
	if h.completeErr != nil {
		if err := h.completeErr(oid, op); err != nil {
			return objstore.Failed(err), nil
		}
	}
	return r.Conn.AioOperate(oid, op)
}

func (r *Recorder) Remove(ctx context.Context, oid string) error {
	r.record(Call{Method: "Remove", OID: oid, Namespace: r.Conn.Namespace()})
	if h := r.hooks(); h.removeErr != nil {
		if err := h.removeErr(oid); err != nil {
			return err
		}
	}
	return r.Conn.Remove(ctx, oid)
}

func (r *Recorder) List(ctx context.Context, filter *objstore.Filter) *objstore.Cursor {
	ns := r.Conn.Namespace()
	r.record(Call{Method: "List", Namespace: ns})
	if h := r.hooks(); h.listErr != nil {
		if err := h.listErr(ns); err != nil {
			return objstore.ErrCursor(err)
		}
	}
	return r.Conn.List(ctx, filter)
}
