package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rboxmail/rbox/internal/objstore"
)

func newTestCluster(t *testing.T, opts Options) *Cluster {
	t.Helper()
	opts.NoSync = true
	c, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestConn(t *testing.T) objstore.Conn {
	t.Helper()
	conn, err := newTestCluster(t, Options{}).OpenPool("mail")
	require.NoError(t, err)
	return conn
}

func TestOpenCreatesPoolsDir(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, Options{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	info, err := os.Stat(filepath.Join(dir, "pools"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, dir, c.DataDir())
}

func TestOpenRejectsNegativeWriteSize(t *testing.T) {
	_, err := Open(t.TempDir(), Options{MaxWriteSizeMiB: -1})
	assert.ErrorIs(t, err, objstore.ErrConfigInvalid)
}

func TestConfigValue(t *testing.T) {
	c := newTestCluster(t, Options{MaxWriteSizeMiB: 4, Settings: map[string]string{"mon_host": "local"}})

	v, err := c.ConfigValue(objstore.MaxWriteSizeOption)
	require.NoError(t, err)
	assert.Equal(t, "4", v)

	size, err := objstore.MaxWriteSize(c)
	require.NoError(t, err)
	assert.Equal(t, 4*1024*1024, size)

	v, err = c.ConfigValue("mon_host")
	require.NoError(t, err)
	assert.Equal(t, "local", v)

	_, err = c.ConfigValue("missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestOpenPoolInvalidName(t *testing.T) {
	c := newTestCluster(t, Options{})
	for _, name := range []string{"", "..", "a/b", "a\\b"} {
		_, err := c.OpenPool(name)
		assert.Error(t, err, name)
	}

	_, err := c.OpenPool("mail")
	require.NoError(t, err)
	pools, err := c.Pools()
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, pools)
}

func TestOperateWriteRead(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	op := objstore.NewWriteOp().
		Create(true).
		WriteFull([]byte("hello")).
		SetXattr("G", []byte("guid")).
		SetOmap(map[string]string{"k": "v"})
	require.NoError(t, conn.Operate(ctx, "obj", op))

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	st, err := conn.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)
	assert.False(t, st.ModTime.IsZero())

	v, err := conn.GetXattr(ctx, "obj", "G")
	require.NoError(t, err)
	assert.Equal(t, []byte("guid"), v)

	omap, err := conn.GetOmap(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, omap)
}

func TestExclusiveCreate(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().Create(true).WriteFull([]byte("a"))))
	err := conn.Operate(ctx, "obj", objstore.NewWriteOp().Create(true).WriteFull([]byte("b")))
	assert.ErrorIs(t, err, objstore.ErrExists)

	// Failed op must leave the object untouched.
	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().Create(false).WriteFull([]byte("c"))))
	data, err = conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), data)
}

func TestWriteAtOffsetExtends(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().Write([]byte("def"), 3)))
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().Write([]byte("abc"), 0)))

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestWriteTooLarge(t *testing.T) {
	c := newTestCluster(t, Options{MaxWriteSizeMiB: 1})
	conn, err := c.OpenPool("mail")
	require.NoError(t, err)

	big := make([]byte, 1024*1024+1)
	err = conn.Operate(context.Background(), "obj", objstore.NewWriteOp().WriteFull(big))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestAssertions(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	err := conn.Operate(ctx, "missing", objstore.NewWriteOp().AssertExists().SetXattr("F", []byte{1}))
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	_, err = conn.Stat(ctx, "missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound, "failed assert must not create the object")

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().SetXattr("U", []byte{7})))

	err = conn.Operate(ctx, "obj", objstore.NewWriteOp().AssertXattr("U", []byte{8}).SetXattr("U", []byte{9}))
	assert.ErrorIs(t, err, objstore.ErrCanceled)

	err = conn.Operate(ctx, "obj", objstore.NewWriteOp().AssertXattr("U", nil).SetXattr("U", []byte{9}))
	assert.ErrorIs(t, err, objstore.ErrCanceled)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().AssertXattr("U", []byte{7}).SetXattr("U", []byte{9})))
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().AssertXattr("M", nil).SetXattr("M", []byte("m"))))

	xattrs, err := conn.GetXattrs(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, xattrs["U"])
	assert.Equal(t, []byte("m"), xattrs["M"])
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	assert.ErrorIs(t, conn.Remove(ctx, "obj"), objstore.ErrNotFound)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().WriteFull([]byte("x"))))
	require.NoError(t, conn.Remove(ctx, "obj"))
	_, err := conn.Read(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestRmXattrAndOmapKeys(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().
		SetXattr("a", []byte("1")).
		SetXattr("b", []byte("2")).
		SetOmap(map[string]string{"x": "1", "y": "2"})))
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().RmXattr("a").RmOmapKeys([]string{"x"})))

	_, err := conn.GetXattr(ctx, "obj", "a")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	omap, err := conn.GetOmap(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"y": "2"}, omap)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	conn.SetNamespace("alice")
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().WriteFull([]byte("a"))))

	other := conn.Clone()
	assert.Equal(t, "alice", other.Namespace())
	other.SetNamespace("bob")
	assert.Equal(t, "alice", conn.Namespace(), "clone must not share namespace state")

	_, err := other.Read(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	conn.SetNamespace("")
	_, err = conn.Read(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestCopyFromAcrossNamespaces(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	conn.SetNamespace("src")
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().
		WriteFull([]byte("payload")).
		SetXattr("G", []byte("g1")).
		SetOmap(map[string]string{"kw": "1"})))

	src := conn.Clone()
	conn.SetNamespace("dst")
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Operate(ctx, "copy", objstore.NewWriteOp().
		CopyFrom(src, "obj").
		SetXattr("S", []byte("new")).
		SetMtime(mtime)))

	data, err := conn.Read(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	xattrs, err := conn.GetXattrs(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, []byte("g1"), xattrs["G"])
	assert.Equal(t, []byte("new"), xattrs["S"])

	st, err := conn.Stat(ctx, "copy")
	require.NoError(t, err)
	assert.True(t, mtime.Equal(st.ModTime))

	// Source untouched.
	_, err = src.GetXattr(ctx, "obj", "S")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestCopyFromSameObjectSameShard(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().WriteFull([]byte("x"))))
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().CopyFrom(conn, "obj").SetXattr("a", []byte("b"))))

	v, err := conn.GetXattr(ctx, "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v)
}

func TestCopyFromMissingSource(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	err := conn.Operate(ctx, "dst", objstore.NewWriteOp().CopyFrom(conn.Clone(), "nope"))
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestCopyFromForeignCluster(t *testing.T) {
	conn := newTestConn(t)
	foreign := newTestConn(t)

	err := conn.Operate(context.Background(), "dst", objstore.NewWriteOp().CopyFrom(foreign, "obj"))
	assert.Error(t, err)
}

func TestAioOperate(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)
	before := objstore.Outstanding()

	comp, err := conn.AioOperate("obj", objstore.NewWriteOp().WriteFull([]byte("async")))
	require.NoError(t, err)
	require.NoError(t, comp.Wait(objstore.WaitCommitted))
	comp.Release()
	assert.Equal(t, before, objstore.Outstanding())

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, "async", string(data))
}

func TestAioOperateReportsFailure(t *testing.T) {
	conn := newTestConn(t)

	comp, err := conn.AioOperate("obj", objstore.NewWriteOp().AssertExists().WriteFull([]byte("x")))
	require.NoError(t, err)
	defer comp.Release()
	assert.ErrorIs(t, comp.Wait(objstore.WaitAcked), objstore.ErrNotFound)
}

func TestAioOperateSnapshotsNamespace(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	conn.SetNamespace("one")
	comp, err := conn.AioOperate("obj", objstore.NewWriteOp().WriteFull([]byte("x")))
	require.NoError(t, err)
	conn.SetNamespace("two")
	require.NoError(t, comp.Wait(objstore.WaitCommitted))
	comp.Release()

	_, err = conn.Read(ctx, "obj")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	conn.SetNamespace("one")
	_, err = conn.Read(ctx, "obj")
	assert.NoError(t, err)
}

func TestAioOperateAfterClose(t *testing.T) {
	c, err := Open(t.TempDir(), Options{NoSync: true})
	require.NoError(t, err)
	conn, err := c.OpenPool("mail")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = conn.AioOperate("obj", objstore.NewWriteOp().WriteFull([]byte("x")))
	assert.ErrorIs(t, err, objstore.ErrConnection)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentChunkWrites(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	payload := []byte(strings.Repeat("0123456789", 50))
	var comps []*objstore.Completion
	for off := 0; off < len(payload); off += 64 {
		end := off + 64
		if end > len(payload) {
			end = len(payload)
		}
		comp, err := conn.AioOperate("obj", objstore.NewWriteOp().Write(payload[off:end], uint64(off)))
		require.NoError(t, err)
		comps = append(comps, comp)
	}
	for _, comp := range comps {
		require.NoError(t, comp.Wait(objstore.WaitCommitted))
		comp.Release()
	}

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestListWithFilter(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	for _, oid := range []string{"a", "b", "c"} {
		guid := "g1"
		if oid == "b" {
			guid = "g2"
		}
		require.NoError(t, conn.Operate(ctx, oid, objstore.NewWriteOp().SetXattr("M", []byte(guid))))
	}

	all, err := conn.List(ctx, nil).Collect()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	matched, err := conn.List(ctx, &objstore.Filter{Key: "M", Value: []byte("g1")}).Collect()
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "a", matched[0].OID)
	assert.Equal(t, "c", matched[1].OID)
	assert.Equal(t, []byte("g1"), matched[0].Xattrs["M"])
}

func TestListEmptyNamespace(t *testing.T) {
	conn := newTestConn(t)
	conn.SetNamespace("nobody")

	entries, err := conn.List(context.Background(), nil).Collect()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListCanceled(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Operate(context.Background(), "a", objstore.NewWriteOp().WriteFull(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.List(ctx, nil).Collect()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompression(t *testing.T) {
	c := newTestCluster(t, Options{Compress: true})
	conn, err := c.OpenPool("mail")
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte(strings.Repeat("compressible ", 1000))
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().WriteFull(payload)))

	raw, err := os.ReadFile(filepath.Join(c.DataDir(), "pools", "mail", "_", "obj"+dataSuffix))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload))

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	st, err := conn.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), st.Size)
}

func TestEncryption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := bytes.Repeat([]byte{7}, KeySize)
	reopen := func(opts Options) objstore.Conn {
		opts.NoSync = true
		c, err := Open(dir, opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		conn, err := c.OpenPool("mail")
		require.NoError(t, err)
		return conn
	}

	payload := []byte(strings.Repeat("Subject: secret\r\n", 100))
	conn := reopen(Options{Compress: true, Key: key})
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().
		WriteFull(payload).
		SetXattr("G", []byte("guid"))))
	require.NoError(t, conn.Operate(ctx, "empty", objstore.NewWriteOp().Create(true)))

	raw, err := os.ReadFile(filepath.Join(dir, "pools", "mail", "_", "obj"+dataSuffix))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	data, err := conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	data, err = conn.Read(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)

	// A partial write reseals the whole payload.
	require.NoError(t, conn.Operate(ctx, "obj", objstore.NewWriteOp().Write([]byte("subject"), 0)))
	data, err = conn.Read(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, "subject", string(data[:7]))

	_, err = reopen(Options{}).Read(ctx, "obj")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = reopen(Options{Key: bytes.Repeat([]byte{8}, KeySize)}).Read(ctx, "obj")
	assert.ErrorContains(t, err, "decrypt object data")

	// Xattrs stay readable without the key.
	v, err := reopen(Options{}).GetXattr(ctx, "obj", "G")
	require.NoError(t, err)
	assert.Equal(t, []byte("guid"), v)
}

func TestEncryptionKeySize(t *testing.T) {
	_, err := Open(t.TempDir(), Options{Key: []byte("short")})
	assert.ErrorIs(t, err, objstore.ErrConfigInvalid)
}

func TestInvalidObjectName(t *testing.T) {
	conn := newTestConn(t)
	err := conn.Operate(context.Background(), "../escape", objstore.NewWriteOp().WriteFull(nil))
	assert.ErrorIs(t, err, objstore.ErrInvalidName)
}

func TestConcurrentOperateSameObject(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- conn.Operate(ctx, "obj", objstore.NewWriteOp().Create(true).WriteFull([]byte("x")))
		}()
	}
	wg.Wait()
	close(errs)

	var ok, exists int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, objstore.ErrExists):
			exists++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, exists)
}
