// Package objstore defines the object store surface the rbox engine consumes.
//
// The model follows a RADOS-style I/O context: a Cluster hands out Conn
// handles bound to a pool, each Conn carries the namespace it operates in,
// and writes are expressed as WriteOp batches that apply atomically to a
// single object, either synchronously or as asynchronous operations tracked
// by a Completion.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxWriteSizeOption is the cluster option holding the largest payload a
// single write operation may carry, in MiB.
const MaxWriteSizeOption = "osd_max_write_size"

// WaitPolicy selects how long a caller blocks on an asynchronous operation.
type WaitPolicy int

const (
	// WaitCommitted blocks until the operation is stored on all replicas.
	WaitCommitted WaitPolicy = iota
	// WaitAcked blocks until the backend reported the primary's
	// acknowledgement through Completion.Ack.
	WaitAcked
)

// String returns the configuration spelling of the policy.
func (p WaitPolicy) String() string {
	switch p {
	case WaitCommitted:
		return "committed"
	case WaitAcked:
		return "acked"
	default:
		return "unknown"
	}
}

// ParseWaitPolicy parses "committed" or "acked".
func ParseWaitPolicy(s string) (WaitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "committed", "safe":
		return WaitCommitted, nil
	case "acked", "complete":
		return WaitAcked, nil
	default:
		return 0, fmt.Errorf("%w: unknown wait policy %q", ErrConfigInvalid, s)
	}
}

// Cluster is a connection to the backing store.
type Cluster interface {
	// OpenPool returns a handle bound to the named pool and the default namespace.
	OpenPool(name string) (Conn, error)

	// ConfigValue looks up a cluster configuration option.
	ConfigValue(key string) (string, error)

	// Close waits for in-flight asynchronous operations and releases the cluster.
	Close() error
}

// Conn is a handle on one pool. The namespace is handle state: switching it
// affects every subsequent call on the handle, so a handle shared between
// goroutines must serialize SetNamespace with the calls depending on it.
// All other methods are safe for concurrent use.
type Conn interface {
	Pool() string
	Namespace() string
	SetNamespace(ns string)

	// Clone returns an independent handle on the same pool and namespace.
	Clone() Conn

	// Operate applies op to oid and returns once it is committed.
	Operate(ctx context.Context, oid string, op *WriteOp) error

	// AioOperate submits op asynchronously. The returned Completion must be
	// waited on and released by the caller.
	AioOperate(oid string, op *WriteOp) (*Completion, error)

	Read(ctx context.Context, oid string) ([]byte, error)
	Stat(ctx context.Context, oid string) (ObjectStat, error)
	Remove(ctx context.Context, oid string) error

	GetXattr(ctx context.Context, oid, name string) ([]byte, error)
	GetXattrs(ctx context.Context, oid string) (map[string][]byte, error)
	GetOmap(ctx context.Context, oid string) (map[string]string, error)

	// List iterates the objects of the handle's namespace, narrowed
	// server-side by filter when it is non-nil.
	List(ctx context.Context, filter *Filter) *Cursor
}

// Unwrapper is implemented by Conn decorators so backends can reach the
// concrete handle, e.g. for CopyFrom sources.
type Unwrapper interface {
	Unwrap() Conn
}

// ObjectStat describes a stored object.
type ObjectStat struct {
	Size    int64
	ModTime time.Time
}

// Filter is an equality predicate on one object attribute.
type Filter struct {
	Key   string
	Value []byte
}

// Match reports whether xattrs satisfy the filter.
func (f *Filter) Match(xattrs map[string][]byte) bool {
	if f == nil {
		return true
	}
	v, ok := xattrs[f.Key]
	if !ok {
		return false
	}
	return bytes.Equal(v, f.Value)
}

// MaxWriteSize asks the cluster for its per-operation payload limit and
// returns it in bytes.
func MaxWriteSize(c Cluster) (int, error) {
	raw, err := c.ConfigValue(MaxWriteSizeOption)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, MaxWriteSizeOption, err)
	}
	mib, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || mib <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrConfigInvalid, MaxWriteSizeOption, raw)
	}
	return mib * 1024 * 1024, nil
}

// Unwrap strips decorators until it reaches a Conn that does not implement
// Unwrapper.
func Unwrap(c Conn) Conn {
	for {
		u, ok := c.(Unwrapper)
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}
