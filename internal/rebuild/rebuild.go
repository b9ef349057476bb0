// Package rebuild reconstructs a mailbox index from the object store when
// the index is missing or was reset.
//
// Objects are matched by mailbox guid first. Those objects carry their uid
// and keep it. When nothing matches by guid the mailbox name is tried
// instead; objects found that way get fresh sequential uids and the current
// mailbox guid, both written back so the next rebuild takes the guid path.
//
// An object listed in both tiers is taken from the primary tier only.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/index"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/pkg/retry"
)

// Mode is the path a rebuild took.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
	ModeEmpty    Mode = "empty"
)

// DefaultScanAttempts is the listing retry budget when none is configured.
const DefaultScanAttempts = 3

var errInvalid = errors.New("invalid record metadata")

// Decoder turns listed xattrs into attributes.
type Decoder interface {
	DecodeAttrs(oid string, xattrs map[string][]byte) map[attr.Key]attr.Value
}

// Config configures a Rebuilder.
type Config struct {
	// Primary and Alt are bound to the tenant namespace. Alt may be nil.
	Primary objstore.Conn
	Alt     objstore.Conn

	Index   index.Index
	Decoder Decoder

	// ScanAttempts bounds listing retries on transient errors.
	ScanAttempts int
	ScanBackoff  time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Result summarizes one rebuild.
type Result struct {
	Mode      Mode
	Recovered int
	Skipped   int
	Header    index.Header
}

// Rebuilder scans both tiers and appends what it finds to the index.
type Rebuilder struct {
	primary  objstore.Conn
	alt      objstore.Conn
	idx      index.Index
	decoder  Decoder
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New returns a Rebuilder.
func New(cfg Config) (*Rebuilder, error) {
	if cfg.Primary == nil || cfg.Index == nil || cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: rebuild needs a store handle, an index and a decoder", objstore.ErrConfigInvalid)
	}
	if cfg.ScanAttempts <= 0 {
		cfg.ScanAttempts = DefaultScanAttempts
	}
	if cfg.ScanBackoff <= 0 {
		cfg.ScanBackoff = 50 * time.Millisecond
	}
	return &Rebuilder{
		primary:  cfg.Primary,
		alt:      cfg.Alt,
		idx:      cfg.Index,
		decoder:  cfg.Decoder,
		attempts: cfg.ScanAttempts,
		backoff:  cfg.ScanBackoff,
		logger:   cfg.Logger.With().Str("component", "rebuild").Logger(),
		metrics:  cfg.Metrics,
	}, nil
}

type candidate struct {
	oid      string
	alt      bool
	raw      map[string][]byte
	attrs    map[attr.Key]attr.Value
	uid      uint32
	received time.Time
}

// Rebuild recovers the entries of mbox and returns how many were appended.
func (r *Rebuilder) Rebuild(ctx context.Context, mbox index.Mailbox) (int, error) {
	res, err := r.Run(ctx, mbox)
	return res.Recovered, err
}

// Run is Rebuild returning the full result. Entries already in the index
// are left alone, so an interrupted rebuild can simply be run again.
func (r *Rebuilder) Run(ctx context.Context, mbox index.Mailbox) (Result, error) {
	start := time.Now()
	defer r.metrics.ObserveDuration("rebuild", start)

	logger := r.logger.With().Str("mailbox", mbox.Name).Str("guid", mbox.GUID).Logger()

	existing, err := r.idx.Entries(ctx, mbox)
	if err != nil {
		return Result{}, fmt.Errorf("read index: %w", err)
	}
	byUID := make(map[uint32]string, len(existing))
	byOID := make(map[string]bool, len(existing))
	for _, e := range existing {
		byUID[e.UID] = e.OID
		byOID[e.OID] = true
	}

	var res Result
	found, err := r.scan(ctx, attr.KeyMailboxGUID, attr.String(mbox.GUID))
	if err != nil {
		return res, err
	}
	switch {
	case len(found) > 0:
		res.Mode = ModePrimary
		err = r.recoverPrimary(ctx, logger, mbox, found, byUID, &res)
	default:
		found, err = r.scan(ctx, attr.KeyMailboxName, attr.String(mbox.Name))
		if err != nil {
			return res, err
		}
		if len(found) == 0 {
			res.Mode = ModeEmpty
			break
		}
		res.Mode = ModeFallback
		err = r.recoverFallback(ctx, logger, mbox, found, byOID, &res)
	}
	if err != nil {
		return res, err
	}

	res.Header, err = r.idx.FinishRebuild(ctx, mbox)
	if err != nil {
		return res, fmt.Errorf("finish rebuild: %w", err)
	}
	r.metrics.RecordRebuild(string(res.Mode), res.Recovered, res.Skipped)
	logger.Info().
		Str("mode", string(res.Mode)).
		Int("recovered", res.Recovered).
		Int("skipped", res.Skipped).
		Uint32("next_uid", res.Header.NextUID).
		Dur("duration", time.Since(start)).
		Msg("Mailbox rebuilt")
	return res, nil
}

// scan lists both tiers for objects whose k attribute equals v. Alt copies
// of objects also found in the primary tier are dropped.
func (r *Rebuilder) scan(ctx context.Context, k attr.Key, v attr.Value) ([]candidate, error) {
	filter := &objstore.Filter{Key: k.String(), Value: attr.Encode(v)}
	out, err := r.scanTier(ctx, r.primary, false, filter)
	if err != nil {
		return nil, err
	}
	if r.alt == nil {
		return out, nil
	}
	alt, err := r.scanTier(ctx, r.alt, true, filter)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.oid] = true
	}
	for _, c := range alt {
		if seen[c.oid] {
			r.logger.Debug().Str("oid", c.oid).Msg("Object in both tiers, using primary copy")
			continue
		}
		seen[c.oid] = true
		out = append(out, c)
	}
	return out, nil
}

func (r *Rebuilder) scanTier(ctx context.Context, conn objstore.Conn, alt bool, filter *objstore.Filter) ([]candidate, error) {
	var entries []objstore.ListEntry
	cfg := retry.Config{
		MaxAttempts: r.attempts,
		MinDelay:    r.backoff,
		MaxDelay:    2 * r.backoff,
		Retryable:   objstore.IsTransient,
		OnRetry: func(attempt int, err error) {
			r.metrics.RecordRetry("scan")
			r.logger.Warn().Err(err).Int("attempt", attempt).Str("pool", conn.Pool()).Msg("Retrying scan")
		},
	}
	_, err := retry.Do(ctx, cfg, func() error {
		var err error
		entries, err = conn.List(ctx, filter).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s where %s: %w", conn.Pool(), conn.Namespace(), filter.Key, err)
	}

	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		attrs := r.decoder.DecodeAttrs(e.OID, e.Xattrs)
		c := candidate{oid: e.OID, alt: alt, raw: e.Xattrs, attrs: attrs}
		if v, ok := attrs[attr.KeyUID]; ok {
			c.uid = uint32(v.AsUint())
		}
		if v, ok := attrs[attr.KeyReceived]; ok {
			c.received = v.AsTime()
		}
		out = append(out, c)
	}
	return out, nil
}

// validate checks the attributes every indexed record needs.
func validate(c candidate) error {
	if v, ok := c.attrs[attr.KeyGUID]; !ok || v.AsString() == "" {
		return fmt.Errorf("%w: no guid", errInvalid)
	}
	if _, ok := c.attrs[attr.KeyReceived]; !ok {
		return fmt.Errorf("%w: no received date", errInvalid)
	}
	if _, ok := c.attrs[attr.KeyPhysicalSize]; !ok {
		return fmt.Errorf("%w: no physical size", errInvalid)
	}
	return nil
}

func (r *Rebuilder) recoverPrimary(ctx context.Context, logger zerolog.Logger, mbox index.Mailbox, found []candidate, byUID map[uint32]string, res *Result) error {
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].uid != found[j].uid {
			return found[i].uid < found[j].uid
		}
		if found[i].alt != found[j].alt {
			return !found[i].alt
		}
		return found[i].oid < found[j].oid
	})

	var prev uint32
	for _, c := range found {
		err := validate(c)
		if err == nil && c.uid == 0 {
			err = fmt.Errorf("%w: no uid", errInvalid)
		}
		if err == nil && c.uid == prev {
			err = fmt.Errorf("%w: uid %d used twice", errInvalid, c.uid)
		}
		if err != nil {
			logger.Warn().Err(err).Str("oid", c.oid).Bool("alt", c.alt).Msg("Skipping object")
			res.Skipped++
			continue
		}
		prev = c.uid

		if oid, ok := byUID[c.uid]; ok {
			if oid != c.oid {
				logger.Warn().Str("oid", c.oid).Str("indexed_oid", oid).Uint32("uid", c.uid).Msg("Skipping object with indexed uid")
				res.Skipped++
			}
			continue
		}

		err = r.idx.Append(ctx, mbox, entryFor(c, c.uid))
		if errors.Is(err, index.ErrOutOfOrder) || errors.Is(err, index.ErrExists) {
			logger.Warn().Err(err).Str("oid", c.oid).Msg("Skipping object")
			res.Skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("append uid %d: %w", c.uid, err)
		}
		res.Recovered++
	}
	return nil
}

func (r *Rebuilder) recoverFallback(ctx context.Context, logger zerolog.Logger, mbox index.Mailbox, found []candidate, byOID map[string]bool, res *Result) error {
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].received.Equal(found[j].received) {
			return found[i].received.Before(found[j].received)
		}
		if found[i].alt != found[j].alt {
			return !found[i].alt
		}
		return found[i].oid < found[j].oid
	})

	next, err := r.idx.NextUID(ctx, mbox)
	if err != nil {
		return fmt.Errorf("read next uid: %w", err)
	}

	for _, c := range found {
		if byOID[c.oid] {
			continue
		}
		if err := validate(c); err != nil {
			logger.Warn().Err(err).Str("oid", c.oid).Bool("alt", c.alt).Msg("Skipping object")
			res.Skipped++
			continue
		}

		conn := r.primary
		if c.alt {
			conn = r.alt
		}
		// The uid is only written if nobody changed it since the scan.
		op := objstore.NewWriteOp().
			AssertXattr(attr.KeyUID.String(), c.raw[attr.KeyUID.String()]).
			SetXattr(attr.KeyUID.String(), attr.Encode(attr.Uint32(next))).
			SetXattr(attr.KeyMailboxGUID.String(), attr.Encode(attr.String(mbox.GUID)))
		err := conn.Operate(ctx, c.oid, op)
		if errors.Is(err, objstore.ErrCanceled) || errors.Is(err, objstore.ErrNotFound) {
			logger.Warn().Err(err).Str("oid", c.oid).Msg("Object changed during rebuild, skipping")
			res.Skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("write back uid %d to %s: %w", next, c.oid, err)
		}

		if err := r.idx.Append(ctx, mbox, entryFor(c, next)); err != nil {
			return fmt.Errorf("append uid %d: %w", next, err)
		}
		byOID[c.oid] = true
		next++
		res.Recovered++
	}
	return nil
}

func entryFor(c candidate, uid uint32) index.Entry {
	e := index.Entry{UID: uid, OID: c.oid, Alt: c.alt}
	if v, ok := c.attrs[attr.KeyFlags]; ok {
		e.Flags = uint16(v.AsUint())
	}
	return e
}
