package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore"
)

// Extent is one chunk of a payload.
type Extent struct {
	Offset int
	Length int
}

// Split divides a payload of length n into chunks of at most chunk bytes.
// An empty payload yields one empty extent.
func Split(n, chunk int) []Extent {
	if n == 0 {
		return []Extent{{}}
	}
	count := (n + chunk - 1) / chunk
	extents := make([]Extent, 0, count)
	for i := 0; i < count; i++ {
		off := i * chunk
		extents = append(extents, Extent{Offset: off, Length: min(chunk, n-off)})
	}
	return extents
}

// Config configures an Engine.
type Config struct {
	// MaxChunk is the largest payload of one write operation, usually
	// learned from objstore.MaxWriteSize.
	MaxChunk int

	// Policy selects what Wait blocks for.
	Policy objstore.WaitPolicy

	// Classification decides which attributes UpdateAttributes may change.
	// Defaults to attr.DefaultClassification.
	Classification *attr.Classification

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine writes records as chunked asynchronous operations and reads them
// back.
type Engine struct {
	maxChunk int
	policy   objstore.WaitPolicy
	class    *attr.Classification
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxChunk <= 0 {
		return nil, fmt.Errorf("%w: max chunk size %d", objstore.ErrConfigInvalid, cfg.MaxChunk)
	}
	if cfg.Classification == nil {
		cfg.Classification = attr.DefaultClassification()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		maxChunk: cfg.MaxChunk,
		policy:   cfg.Policy,
		class:    cfg.Classification,
		logger:   cfg.Logger.With().Str("component", "record").Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}, nil
}

// MaxChunk returns the configured chunk size.
func (e *Engine) MaxChunk() int {
	return e.maxChunk
}

// Write submits r's payload as ceil(len/MaxChunk) asynchronous operations on
// r.ID. The first operation also creates the object and carries every
// attribute and keyword, so metadata and the first bytes land together. A
// single chunk is written whole.
//
// A submission failure stops further submissions and is returned; the
// operations already submitted stay pending and must be drained with Wait.
func (e *Engine) Write(conn objstore.Conn, r *Record) error {
	if len(r.pending) > 0 {
		return ErrPending
	}

	payload := r.payload
	r.size = int64(len(payload))
	extents := Split(len(payload), e.maxChunk)

	for i, ext := range extents {
		op := objstore.NewWriteOp()
		if i == 0 {
			op.Create(false)
			r.applyMetadata(op)
		}
		data := payload[ext.Offset : ext.Offset+ext.Length]
		if len(extents) == 1 {
			op.WriteFull(data)
		} else {
			op.Write(data, uint64(ext.Offset))
		}

		comp, err := conn.AioOperate(r.ID, op)
		if err != nil {
			e.logger.Error().Err(err).
				Str("oid", r.ID).
				Int("chunk", i).
				Int("chunks", len(extents)).
				Msg("Chunk submission failed")
			e.metrics.RecordChunks(i, ext.Offset)
			return fmt.Errorf("submit chunk %d/%d of %s: %w", i+1, len(extents), r.ID, err)
		}
		r.pending = append(r.pending, slot{comp: comp, op: op})
	}

	e.metrics.RecordChunks(len(extents), len(payload))
	e.logger.Debug().
		Str("oid", r.ID).
		Int("size", len(payload)).
		Int("chunks", len(extents)).
		Msg("Record submitted")
	return nil
}

// Wait blocks until every pending operation of r completed and reports
// whether any failed. The pending list is always empty afterwards.
func (e *Engine) Wait(r *Record) bool {
	return e.drain(r) != nil
}

// drain waits for and releases every pending slot, returning the first
// failure.
func (e *Engine) drain(r *Record) error {
	var first error
	for i, s := range r.pending {
		if err := s.comp.Wait(e.policy); err != nil {
			if first == nil {
				first = err
			}
			e.logger.Warn().Err(err).
				Str("oid", r.ID).
				Int("op", i).
				Msg("Pending operation failed")
		}
		s.comp.Release()
		r.pending[i] = slot{}
	}
	r.pending = r.pending[:0]
	return first
}

// Save writes r, waits for every chunk and removes the partial object when
// anything failed. Missing save date and physical size attributes are
// filled in.
func (e *Engine) Save(ctx context.Context, conn objstore.Conn, r *Record) error {
	start := e.now()
	defer e.metrics.ObserveDuration("save", start)

	if len(r.pending) > 0 {
		return ErrPending
	}
	if r.saveTime.IsZero() {
		r.saveTime = start
	}
	if _, ok := r.attrs[attr.KeySaveDate]; !ok {
		v := attr.Time(r.saveTime)
		if err := checkAttr(attr.KeySaveDate, v); err != nil {
			return err
		}
		r.attrs[attr.KeySaveDate] = v
	}
	if _, ok := r.attrs[attr.KeyPhysicalSize]; !ok {
		r.attrs[attr.KeyPhysicalSize] = attr.Uint64(uint64(len(r.payload)))
	}

	writeErr := e.Write(conn, r)
	waitErr := e.drain(r)
	if writeErr == nil && waitErr == nil {
		return nil
	}

	e.metrics.RecordWriteFailure()
	if err := conn.Remove(ctx, r.ID); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		e.logger.Warn().Err(err).Str("oid", r.ID).Msg("Failed to remove partially written record")
	}
	if writeErr != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, writeErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrWriteFailed, r.ID, waitErr)
}

// Load reads a record back from the store. Attributes that fail to decode
// are logged and left unset. The payload is read only when withPayload is
// set; Size is filled either way.
func (e *Engine) Load(ctx context.Context, conn objstore.Conn, oid string, withPayload bool) (*Record, error) {
	xattrs, err := conn.GetXattrs(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", oid, err)
	}

	r := New(oid)
	r.attrs = e.DecodeAttrs(oid, xattrs)

	omap, err := conn.GetOmap(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("load keywords of %s: %w", oid, err)
	}
	for k, v := range omap {
		r.keywords[k] = v
	}

	if withPayload {
		data, err := conn.Read(ctx, oid)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", oid, err)
		}
		r.payload = data
		r.size = int64(len(data))
	}

	st, err := conn.Stat(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", oid, err)
	}
	if !withPayload {
		r.size = st.Size
	}
	r.saveTime = st.ModTime
	if v, ok := r.attrs[attr.KeySaveDate]; ok {
		r.saveTime = v.AsTime()
	}
	return r, nil
}

// DecodeAttrs decodes the single-character xattrs of an object, e.g. from a
// listing entry. Malformed values are logged and dropped.
func (e *Engine) DecodeAttrs(oid string, xattrs map[string][]byte) map[attr.Key]attr.Value {
	out := make(map[attr.Key]attr.Value, len(xattrs))
	for name, raw := range xattrs {
		if len(name) != 1 {
			continue
		}
		k := attr.Key(name[0])
		v, err := attr.DecodeKey(k, raw)
		if err != nil {
			e.logger.Warn().Err(err).Str("oid", oid).Str("key", k.String()).Msg("Ignoring malformed attribute")
			continue
		}
		out[k] = v
	}
	return out
}

// UpdateAttributes rewrites attributes of an existing object. Immutable
// keys are rejected before any I/O.
func (e *Engine) UpdateAttributes(ctx context.Context, conn objstore.Conn, oid string, updates map[attr.Key]attr.Value) error {
	if len(updates) == 0 {
		return nil
	}
	op := objstore.NewWriteOp().AssertExists()
	for _, k := range sortedKeys(updates) {
		if e.class.Classify(k) == attr.Immutable {
			return fmt.Errorf("%w: %s", ErrImmutable, k.Name())
		}
		if err := checkAttr(k, updates[k]); err != nil {
			return err
		}
		op.SetXattr(k.String(), attr.Encode(updates[k]))
	}
	if err := conn.Operate(ctx, oid, op); err != nil {
		return fmt.Errorf("update attributes of %s: %w", oid, err)
	}
	return nil
}

// UpdateKeywords sets and removes per-keyword extended attributes.
func (e *Engine) UpdateKeywords(ctx context.Context, conn objstore.Conn, oid string, set map[string]string, remove []string) error {
	if len(set) == 0 && len(remove) == 0 {
		return nil
	}
	op := objstore.NewWriteOp().AssertExists()
	if len(set) > 0 {
		op.SetOmap(set)
	}
	if len(remove) > 0 {
		op.RmOmapKeys(remove)
	}
	if err := conn.Operate(ctx, oid, op); err != nil {
		return fmt.Errorf("update keywords of %s: %w", oid, err)
	}
	return nil
}
