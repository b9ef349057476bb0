package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rboxmail/rbox/internal/objstore"
)

// conn is a handle on one pool of a Cluster.
type conn struct {
	cluster *Cluster
	pool    string

	mu sync.RWMutex
	ns string
}

var _ objstore.Conn = (*conn)(nil)

func (c *conn) Pool() string {
	return c.pool
}

func (c *conn) Namespace() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ns
}

func (c *conn) SetNamespace(ns string) {
	c.mu.Lock()
	c.ns = ns
	c.mu.Unlock()
}

func (c *conn) Clone() objstore.Conn {
	return &conn{cluster: c.cluster, pool: c.pool, ns: c.Namespace()}
}

func (c *conn) dir() (string, error) {
	ns := c.Namespace()
	if ns != "" {
		if err := validateName(ns); err != nil {
			return "", fmt.Errorf("%w: namespace %q: %v", objstore.ErrInvalidName, ns, err)
		}
	}
	return c.cluster.nsPath(c.pool, ns), nil
}

func (c *conn) objectDir(oid string) (string, error) {
	if err := validateName(oid); err != nil {
		return "", fmt.Errorf("%w: %q: %v", objstore.ErrInvalidName, oid, err)
	}
	return c.dir()
}

// plan is a WriteOp with every handle-dependent path resolved, so it can be
// applied after the submitting handle switched namespace.
type plan struct {
	dir     string
	oid     string
	steps   []objstore.Step
	srcDirs map[int]string
}

func (c *conn) prepare(oid string, op *objstore.WriteOp) (*plan, error) {
	if op == nil || op.Len() == 0 {
		return nil, fmt.Errorf("empty write operation on %s", oid)
	}
	dir, err := c.objectDir(oid)
	if err != nil {
		return nil, err
	}
	p := &plan{dir: dir, oid: oid, steps: op.Steps(), srcDirs: make(map[int]string)}
	for i, s := range p.steps {
		switch s.Kind {
		case objstore.StepWrite, objstore.StepWriteFull:
			if len(s.Data) > c.cluster.maxWriteBytes() {
				return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(s.Data))
			}
		case objstore.StepCopyFrom:
			if s.Src == nil {
				return nil, fmt.Errorf("copy_from without source handle")
			}
			src, ok := objstore.Unwrap(s.Src).(*conn)
			if !ok || src.cluster != c.cluster {
				return nil, fmt.Errorf("copy_from source is not a handle of this cluster")
			}
			srcDir, err := src.objectDir(s.SrcOID)
			if err != nil {
				return nil, err
			}
			p.srcDirs[i] = srcDir
		}
	}
	return p, nil
}

// apply executes a plan all-or-nothing and returns the files it wrote.
func (c *Cluster) apply(p *plan, sync bool) ([]string, error) {
	_, metaPath := objectPaths(p.dir, p.oid)
	keys := []string{metaPath}
	for i, d := range p.srcDirs {
		_, srcMeta := objectPaths(d, p.steps[i].SrcOID)
		keys = append(keys, srcMeta)
	}
	unlock := c.lockPaths(keys...)
	defer unlock()

	st, err := c.load(p.dir, p.oid)
	if err != nil {
		return nil, err
	}
	existed := st.exists

	var mtime time.Time
	for i, s := range p.steps {
		switch s.Kind {
		case objstore.StepCreate:
			if st.exists {
				if s.Exclusive {
					return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrExists)
				}
				continue
			}
			st = newState()

		case objstore.StepAssertExists:
			if !st.exists {
				return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrNotFound)
			}

		case objstore.StepAssertXattr:
			cur, ok := st.meta.Xattrs[s.Name]
			if s.Value == nil {
				if st.exists && ok {
					return nil, fmt.Errorf("%s: xattr %s present: %w", p.oid, s.Name, objstore.ErrCanceled)
				}
				continue
			}
			if !st.exists {
				return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrNotFound)
			}
			if !ok || !bytes.Equal(cur, s.Value) {
				return nil, fmt.Errorf("%s: xattr %s mismatch: %w", p.oid, s.Name, objstore.ErrCanceled)
			}

		case objstore.StepWriteFull:
			st.ensure()
			st.data = append([]byte(nil), s.Data...)

		case objstore.StepWrite:
			st.ensure()
			end := s.Offset + uint64(len(s.Data))
			if end > uint64(len(st.data)) {
				grown := make([]byte, end)
				copy(grown, st.data)
				st.data = grown
			}
			copy(st.data[s.Offset:], s.Data)

		case objstore.StepSetXattr:
			st.ensure()
			st.meta.Xattrs[s.Name] = append([]byte(nil), s.Value...)

		case objstore.StepRmXattr:
			if !st.exists {
				return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrNotFound)
			}
			delete(st.meta.Xattrs, s.Name)

		case objstore.StepSetOmap:
			st.ensure()
			for k, v := range s.Omap {
				st.meta.Omap[k] = v
			}

		case objstore.StepRmOmapKeys:
			if !st.exists {
				return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrNotFound)
			}
			for _, k := range s.Keys {
				delete(st.meta.Omap, k)
			}

		case objstore.StepCopyFrom:
			src, err := c.load(p.srcDirs[i], s.SrcOID)
			if err != nil {
				return nil, err
			}
			if !src.exists {
				return nil, fmt.Errorf("copy source %s: %w", s.SrcOID, objstore.ErrNotFound)
			}
			st = src.clone()

		case objstore.StepSetMtime:
			mtime = s.Mtime

		case objstore.StepRemove:
			if !st.exists {
				return nil, fmt.Errorf("%s: %w", p.oid, objstore.ErrNotFound)
			}
			st = &objectState{}

		default:
			return nil, fmt.Errorf("unsupported step %s", s.Kind)
		}
	}

	if !st.exists && !existed {
		return nil, nil
	}
	if st.exists {
		if mtime.IsZero() && !onlyAsserts(p.steps) {
			mtime = time.Now()
		}
		if !mtime.IsZero() {
			st.meta.Mtime = mtime
		}
	}
	return c.persist(p.dir, p.oid, st, sync)
}

func newState() *objectState {
	return &objectState{
		exists: true,
		meta: objectMeta{
			Mtime:  time.Now(),
			Xattrs: make(map[string][]byte),
			Omap:   make(map[string]string),
		},
	}
}

// ensure implicitly creates the object, as writes do.
func (s *objectState) ensure() {
	if !s.exists {
		*s = *newState()
	}
}

func onlyAsserts(steps []objstore.Step) bool {
	for _, s := range steps {
		if s.Kind != objstore.StepAssertExists && s.Kind != objstore.StepAssertXattr {
			return false
		}
	}
	return true
}

func (c *conn) Operate(ctx context.Context, oid string, op *objstore.WriteOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := c.prepare(oid, op)
	if err != nil {
		return err
	}
	_, err = c.cluster.apply(p, !c.cluster.opts.NoSync)
	return err
}

func (c *conn) AioOperate(oid string, op *objstore.WriteOp) (*objstore.Completion, error) {
	p, err := c.prepare(oid, op)
	if err != nil {
		return nil, err
	}
	if !c.cluster.begin() {
		return nil, fmt.Errorf("%w: %w", objstore.ErrConnection, ErrClosed)
	}

	comp := objstore.NewCompletion()
	go func() {
		defer c.cluster.inflight.Done()

		paths, err := c.cluster.apply(p, false)
		comp.Ack(err)
		if err == nil && !c.cluster.opts.NoSync {
			err = syncFiles(paths)
		}
		if err != nil {
			c.cluster.logger.Debug().Err(err).
				Str("pool", c.pool).
				Str("oid", oid).
				Msg("Async operation failed")
		}
		comp.Commit(err)
	}()
	return comp, nil
}

// read loads an object under its lock.
func (c *conn) read(ctx context.Context, oid string) (*objectState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := c.objectDir(oid)
	if err != nil {
		return nil, err
	}
	_, metaPath := objectPaths(dir, oid)
	unlock := c.cluster.lockPaths(metaPath)
	defer unlock()

	st, err := c.cluster.load(dir, oid)
	if err != nil {
		return nil, err
	}
	if !st.exists {
		return nil, fmt.Errorf("%s: %w", oid, objstore.ErrNotFound)
	}
	return st, nil
}

func (c *conn) Read(ctx context.Context, oid string) ([]byte, error) {
	st, err := c.read(ctx, oid)
	if err != nil {
		return nil, err
	}
	return st.data, nil
}

func (c *conn) Stat(ctx context.Context, oid string) (objstore.ObjectStat, error) {
	st, err := c.read(ctx, oid)
	if err != nil {
		return objstore.ObjectStat{}, err
	}
	return objstore.ObjectStat{Size: st.meta.Size, ModTime: st.meta.Mtime}, nil
}

func (c *conn) Remove(ctx context.Context, oid string) error {
	return c.Operate(ctx, oid, objstore.NewWriteOp().Remove())
}

func (c *conn) GetXattr(ctx context.Context, oid, name string) ([]byte, error) {
	st, err := c.read(ctx, oid)
	if err != nil {
		return nil, err
	}
	v, ok := st.meta.Xattrs[name]
	if !ok {
		return nil, fmt.Errorf("%s: xattr %s: %w", oid, name, objstore.ErrNotFound)
	}
	return v, nil
}

func (c *conn) GetXattrs(ctx context.Context, oid string) (map[string][]byte, error) {
	st, err := c.read(ctx, oid)
	if err != nil {
		return nil, err
	}
	return st.meta.Xattrs, nil
}

func (c *conn) GetOmap(ctx context.Context, oid string) (map[string]string, error) {
	st, err := c.read(ctx, oid)
	if err != nil {
		return nil, err
	}
	return st.meta.Omap, nil
}

// List walks the namespace directory in name order. Objects removed while
// the listing runs are skipped.
func (c *conn) List(ctx context.Context, filter *objstore.Filter) *objstore.Cursor {
	dir, err := c.dir()
	if err != nil {
		return objstore.ErrCursor(err)
	}
	ns := c.Namespace()

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return objstore.ErrCursor(fmt.Errorf("list %s: %w", dir, err))
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, metaSuffix))
	}

	i := 0
	next := func(ctx context.Context) (objstore.ListEntry, error) {
		for i < len(names) {
			oid := names[i]
			i++
			_, metaPath := objectPaths(dir, oid)
			meta, ok, err := readMeta(metaPath)
			if err != nil {
				return objstore.ListEntry{}, err
			}
			if !ok || !filter.Match(meta.Xattrs) {
				continue
			}
			return objstore.ListEntry{OID: oid, Namespace: ns, Xattrs: meta.Xattrs}, nil
		}
		return objstore.ListEntry{}, io.EOF
	}
	return objstore.NewCursor(ctx, objstore.ListerFunc(next))
}
