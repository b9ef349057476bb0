package record

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/internal/objstore/objstoretest"
)

func newTestEngine(t *testing.T, chunk int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{MaxChunk: chunk})
	require.NoError(t, err)
	return e
}

func newRecorder(t *testing.T) *objstoretest.Recorder {
	t.Helper()
	return objstoretest.NewRecorder(objstoretest.NewConn(t, "mail"))
}

func TestNewEngineRejectsChunkSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := NewEngine(Config{MaxChunk: size})
		assert.ErrorIs(t, err, objstore.ErrConfigInvalid)
	}
}

func TestSplit(t *testing.T) {
	for n := 0; n <= 40; n++ {
		for chunk := 1; chunk <= 9; chunk++ {
			extents := Split(n, chunk)

			want := (n + chunk - 1) / chunk
			if n == 0 {
				want = 1
			}
			require.Len(t, extents, want, "n=%d chunk=%d", n, chunk)

			next := 0
			for _, ext := range extents {
				assert.Equal(t, next, ext.Offset)
				assert.LessOrEqual(t, ext.Length, chunk)
				next += ext.Length
			}
			assert.Equal(t, n, next, "extents must cover the payload exactly")
		}
	}
}

func TestWriteChunksExample(t *testing.T) {
	ctx := context.Background()
	conn := newRecorder(t)
	e := newTestEngine(t, 3)
	before := objstore.Outstanding()

	r := New(NewID())
	require.NoError(t, r.SetAttr(attr.KeyGUID, attr.String("g-1")))
	require.NoError(t, r.SetKeyword("$Important", "1"))
	require.NoError(t, r.SetPayload([]byte("abcdefghijklmn")))

	require.NoError(t, e.Write(conn, r))
	assert.Equal(t, 5, r.Pending())
	assert.Equal(t, int64(14), r.Size())

	calls := conn.CallsOf("AioOperate")
	require.Len(t, calls, 5)
	var offsets, lengths []int
	for i, c := range calls {
		steps := c.Op.Steps()
		write := steps[len(steps)-1]
		require.Equal(t, objstore.StepWrite, write.Kind)
		offsets = append(offsets, int(write.Offset))
		lengths = append(lengths, len(write.Data))

		if i == 0 {
			assert.True(t, c.Op.Has(objstore.StepCreate))
			assert.True(t, c.Op.Has(objstore.StepSetXattr))
			assert.True(t, c.Op.Has(objstore.StepSetOmap))
		} else {
			assert.Equal(t, 1, c.Op.Len(), "later chunks carry only data")
		}
	}
	assert.Equal(t, []int{0, 3, 6, 9, 12}, offsets)
	assert.Equal(t, []int{3, 3, 3, 3, 2}, lengths)

	assert.False(t, e.Wait(r))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, before, objstore.Outstanding())

	st, err := conn.Stat(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(14), st.Size)

	data, err := conn.Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmn", string(data))
}

func TestWriteReassemblesPayload(t *testing.T) {
	ctx := context.Background()
	conn := objstoretest.NewConn(t, "mail")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64)
	for _, chunk := range []int{1, 7, 100, len(payload), len(payload) + 1} {
		e := newTestEngine(t, chunk)
		r := New(NewID())
		require.NoError(t, r.SetPayload(payload))
		require.NoError(t, e.Write(conn, r))
		require.False(t, e.Wait(r), "chunk=%d", chunk)

		data, err := conn.Read(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, payload, data, "chunk=%d", chunk)
	}
}

func TestWriteSingleChunkIsWholePayload(t *testing.T) {
	conn := newRecorder(t)
	e := newTestEngine(t, 64)

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("short")))
	require.NoError(t, e.Write(conn, r))
	defer e.Wait(r)

	calls := conn.CallsOf("AioOperate")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Op.Has(objstore.StepWriteFull))
	assert.False(t, calls[0].Op.Has(objstore.StepWrite))
}

func TestWriteEmptyPayload(t *testing.T) {
	ctx := context.Background()
	conn := newRecorder(t)
	e := newTestEngine(t, 3)

	r := New(NewID())
	require.NoError(t, r.SetAttr(attr.KeyUID, attr.Uint32(7)))
	require.NoError(t, e.Write(conn, r))
	require.False(t, e.Wait(r))

	calls := conn.CallsOf("AioOperate")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Op.Has(objstore.StepWriteFull))
	assert.True(t, calls[0].Op.Has(objstore.StepSetXattr))

	st, err := conn.Stat(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size)

	raw, err := conn.GetXattr(ctx, r.ID, "U")
	require.NoError(t, err)
	assert.Equal(t, attr.Encode(attr.Uint32(7)), raw)
}

func TestWriteSubmissionFailureKeepsSubmitted(t *testing.T) {
	conn := newRecorder(t)
	e := newTestEngine(t, 2)
	before := objstore.Outstanding()

	boom := errors.New("submit refused")
	conn.FailSubmit(func(oid string, op *objstore.WriteOp) error {
		if op.Steps()[0].Offset == 4 {
			return boom
		}
		return nil
	})

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("abcdefgh")))
	err := e.Write(conn, r)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, r.Pending(), "chunks before the failure stay pending")
	assert.Len(t, conn.CallsOf("AioOperate"), 3, "no submissions after the failure")

	assert.False(t, e.Wait(r))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, before, objstore.Outstanding())
}

func TestWaitReportsFailure(t *testing.T) {
	conn := newRecorder(t)
	e := newTestEngine(t, 2)
	before := objstore.Outstanding()

	conn.FailCompletion(func(oid string, op *objstore.WriteOp) error {
		if op.Has(objstore.StepCreate) {
			return nil
		}
		return objstore.ErrTimedOut
	})

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("abcdef")))
	require.NoError(t, e.Write(conn, r))

	assert.True(t, e.Wait(r))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, before, objstore.Outstanding())
}

func TestSettersRejectedWhilePending(t *testing.T) {
	conn := objstoretest.NewConn(t, "mail")
	e := newTestEngine(t, 4)

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("abc")))
	require.NoError(t, e.Write(conn, r))

	assert.ErrorIs(t, r.SetAttr(attr.KeyUID, attr.Uint32(1)), ErrPending)
	assert.ErrorIs(t, r.SetKeyword("k", "v"), ErrPending)
	assert.ErrorIs(t, r.SetPayload(nil), ErrPending)
	assert.ErrorIs(t, r.SetSaveTime(time.Now()), ErrPending)
	assert.ErrorIs(t, e.Write(conn, r), ErrPending)

	e.Wait(r)
	assert.NoError(t, r.SetAttr(attr.KeyUID, attr.Uint32(1)))
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	conn := objstoretest.NewConn(t, "mail")
	saved := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e, err := NewEngine(Config{MaxChunk: 4, Now: func() time.Time { return saved }})
	require.NoError(t, err)

	r := New(NewID())
	require.NoError(t, r.SetAttr(attr.KeyGUID, attr.String("guid-1")))
	require.NoError(t, r.SetAttr(attr.KeyUID, attr.Uint32(12)))
	require.NoError(t, r.SetKeyword("$Junk", "1"))
	require.NoError(t, r.SetPayload([]byte("Subject: hi\r\n\r\nbody")))
	require.NoError(t, e.Save(ctx, conn, r))

	got, err := e.Load(ctx, conn, r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, r.Payload(), got.Payload())
	assert.Equal(t, int64(len(r.Payload())), got.Size())
	assert.Equal(t, uint32(12), got.UID())
	assert.Equal(t, "guid-1", got.StringAttr(attr.KeyGUID))
	assert.Equal(t, map[string]string{"$Junk": "1"}, got.Keywords())
	assert.True(t, saved.Equal(got.SaveTime()))

	z, ok := got.Attr(attr.KeyPhysicalSize)
	require.True(t, ok)
	assert.Equal(t, uint64(len(r.Payload())), z.AsUint())

	meta, err := e.Load(ctx, conn, r.ID, false)
	require.NoError(t, err)
	assert.Nil(t, meta.Payload())
	assert.Equal(t, got.Size(), meta.Size())
}

func TestSaveRemovesPartialObject(t *testing.T) {
	ctx := context.Background()
	conn := newRecorder(t)
	e := newTestEngine(t, 2)

	conn.FailCompletion(func(oid string, op *objstore.WriteOp) error {
		if op.Has(objstore.StepCreate) {
			return nil
		}
		return objstore.ErrConnection
	})

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("abcdef")))
	err := e.Save(ctx, conn, r)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, objstore.ErrConnection)

	_, err = conn.Stat(ctx, r.ID)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
	assert.Len(t, conn.CallsOf("Remove"), 1)
}

func TestLoadSkipsMalformedAttribute(t *testing.T) {
	ctx := context.Background()
	conn := objstoretest.NewConn(t, "mail")
	e := newTestEngine(t, 16)

	op := objstore.NewWriteOp().
		WriteFull([]byte("x")).
		SetXattr("U", []byte{1, 2}).
		SetXattr("G", attr.Encode(attr.String("ok"))).
		SetXattr("custom_name", []byte("ignored"))
	require.NoError(t, conn.Operate(ctx, "obj", op))

	r, err := e.Load(ctx, conn, "obj", false)
	require.NoError(t, err)
	_, ok := r.Attr(attr.KeyUID)
	assert.False(t, ok, "malformed uid must be treated as absent")
	assert.Equal(t, "ok", r.StringAttr(attr.KeyGUID))
	assert.Len(t, r.Attrs(), 1)
}

func TestLoadMissing(t *testing.T) {
	conn := objstoretest.NewConn(t, "mail")
	_, err := newTestEngine(t, 16).Load(context.Background(), conn, "nope", true)
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestUpdateAttributes(t *testing.T) {
	ctx := context.Background()
	conn := newRecorder(t)
	e := newTestEngine(t, 16)

	r := New(NewID())
	require.NoError(t, r.SetAttr(attr.KeyFlags, attr.Uint16(0)))
	require.NoError(t, e.Save(ctx, conn, r))
	conn.Reset()

	err := e.UpdateAttributes(ctx, conn, r.ID, map[attr.Key]attr.Value{attr.KeyGUID: attr.String("new")})
	assert.ErrorIs(t, err, ErrImmutable)
	assert.Empty(t, conn.CallsOf("Operate"), "immutable update must not reach the store")

	require.NoError(t, e.UpdateAttributes(ctx, conn, r.ID, map[attr.Key]attr.Value{attr.KeyFlags: attr.Uint16(4)}))
	got, err := e.Load(ctx, conn, r.ID, false)
	require.NoError(t, err)
	v, _ := got.Attr(attr.KeyFlags)
	assert.Equal(t, uint64(4), v.AsUint())

	err = e.UpdateAttributes(ctx, conn, "missing", map[attr.Key]attr.Value{attr.KeyFlags: attr.Uint16(1)})
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	assert.NoError(t, e.UpdateAttributes(ctx, conn, r.ID, nil))
}

func TestUpdateKeywords(t *testing.T) {
	ctx := context.Background()
	conn := objstoretest.NewConn(t, "mail")
	e := newTestEngine(t, 16)

	r := New(NewID())
	require.NoError(t, r.SetKeyword("a", "1"))
	require.NoError(t, r.SetKeyword("b", "1"))
	require.NoError(t, e.Save(ctx, conn, r))

	require.NoError(t, e.UpdateKeywords(ctx, conn, r.ID, map[string]string{"c": "1"}, []string{"a"}))
	omap, err := conn.GetOmap(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "1", "c": "1"}, omap)
}

func TestRejectsUnencodableAttributes(t *testing.T) {
	ctx := context.Background()
	conn := newRecorder(t)
	e := newTestEngine(t, 16)
	before := time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC)

	r := New(NewID())
	assert.ErrorIs(t, r.SetAttr(attr.KeyReceived, attr.Time(before)), attr.ErrOutOfRange)
	assert.ErrorIs(t, r.SetAttr(attr.Key(0xe9), attr.String("x")), attr.ErrInvalidKey)
	assert.ErrorIs(t, r.SetSaveTime(time.Date(2107, 1, 1, 0, 0, 0, 0, time.UTC)), attr.ErrOutOfRange)
	_, ok := r.Attr(attr.KeyReceived)
	assert.False(t, ok)

	require.NoError(t, r.SetAttr(attr.KeyFlags, attr.Uint16(0)))
	require.NoError(t, e.Save(ctx, conn, r))
	conn.Reset()

	err := e.UpdateAttributes(ctx, conn, r.ID, map[attr.Key]attr.Value{attr.KeySaveDate: attr.Time(before)})
	assert.ErrorIs(t, err, attr.ErrOutOfRange)
	assert.Empty(t, conn.CallsOf("Operate"))
}

func TestSaveRejectsClockOutOfRange(t *testing.T) {
	conn := newRecorder(t)
	e, err := NewEngine(Config{MaxChunk: 16, Now: func() time.Time { return time.Unix(-1, 0) }})
	require.NoError(t, err)

	r := New(NewID())
	require.NoError(t, r.SetPayload([]byte("x")))
	assert.ErrorIs(t, e.Save(context.Background(), conn, r), attr.ErrOutOfRange)
	assert.Empty(t, conn.CallsOf("AioOperate"), "nothing reaches the store")
}
