// Package expunge applies committed index changes to the object store:
// expunged records are deleted and records changing tier are migrated.
//
// A pass resolves object ids while the index still knows them, waits for
// the index transaction to commit and only then touches objects. Every
// collected record is visited exactly once; failures are counted and
// reported, never queued again.
package expunge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rboxmail/rbox/internal/index"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/pkg/retry"
)

// Defaults for Config.
const (
	DefaultMaxAttempts = 10
	DefaultMinBackoff  = 10 * time.Millisecond
	DefaultMaxBackoff  = 60 * time.Millisecond
	DefaultWorkers     = 4
)

// Tier is where an object is stored.
type Tier int

const (
	TierPrimary Tier = iota
	TierAlternate
)

func (t Tier) String() string {
	if t == TierAlternate {
		return "alternate"
	}
	return "primary"
}

func tierOf(alt bool) Tier {
	if alt {
		return TierAlternate
	}
	return TierPrimary
}

// Kind is what a pass does with a record.
type Kind int

const (
	KindExpunge Kind = iota + 1
	KindMigrate
)

func (k Kind) String() string {
	switch k {
	case KindExpunge:
		return "expunge"
	case KindMigrate:
		return "migrate"
	default:
		return "unknown"
	}
}

// Record is one object a pass will act on.
type Record struct {
	UID  uint32
	OID  string
	Tier Tier
	Kind Kind
	// Target is the destination tier of a migration.
	Target Tier
}

// Config configures a Reconciler.
type Config struct {
	// Primary and Alt are bound to the tenant namespace. Alt may be nil when
	// no alternate tier is configured.
	Primary objstore.Conn
	Alt     objstore.Conn

	Index index.Index

	// MaxAttempts bounds tries per object on timeouts.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	// Workers is the number of records processed in parallel.
	Workers int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Reconciler runs synchronization passes.
type Reconciler struct {
	primary objstore.Conn
	alt     objstore.Conn
	idx     index.Index
	retry   retry.Config
	workers int
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Primary == nil || cfg.Index == nil {
		return nil, fmt.Errorf("%w: expunge needs a store handle and an index", objstore.ErrConfigInvalid)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	r := &Reconciler{
		primary: cfg.Primary,
		alt:     cfg.Alt,
		idx:     cfg.Index,
		workers: cfg.Workers,
		logger:  cfg.Logger.With().Str("component", "expunge").Logger(),
		metrics: cfg.Metrics,
	}
	r.retry = retry.Config{
		MaxAttempts: cfg.MaxAttempts,
		MinDelay:    cfg.MinBackoff,
		MaxDelay:    cfg.MaxBackoff,
		Retryable: func(err error) bool {
			return errors.Is(err, objstore.ErrTimedOut)
		},
		OnRetry: func(attempt int, err error) {
			r.metrics.RecordRetry("expunge")
		},
	}
	return r, nil
}

func (r *Reconciler) conn(t Tier) objstore.Conn {
	if t == TierAlternate {
		return r.alt
	}
	return r.primary
}

// Begin starts a pass over mbox.
func (r *Reconciler) Begin(mbox index.Mailbox) *Pass {
	return &Pass{r: r, mbox: mbox, byUID: make(map[uint32]*Record)}
}

// Sync runs a whole pass over tx: it collects every change, commits tx and
// applies the collected records. The returned count is the number of
// records that failed.
func (r *Reconciler) Sync(ctx context.Context, tx *index.Tx) (int, error) {
	p := r.Begin(tx.Mailbox())
	for _, c := range tx.Changes() {
		p.Collect(ctx, c)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	p.MarkCommitted()
	return p.Apply(ctx)
}

// Pass is one synchronization run.
type Pass struct {
	r         *Reconciler
	mbox      index.Mailbox
	records   []*Record
	byUID     map[uint32]*Record
	committed bool
	applied   bool
}

// Collect resolves change to a record using the index. It must be called
// before the index transaction commits. It reports false when the change
// needs no object work, its uid is unknown or its uid was already
// collected. A later expunge of a collected uid turns it into an expunge.
func (p *Pass) Collect(ctx context.Context, change index.Change) (*Record, bool) {
	logger := p.r.logger.With().Str("mailbox", p.mbox.Name).Uint32("uid", change.UID).Logger()

	if rec, ok := p.byUID[change.UID]; ok {
		if change.Kind == index.ChangeExpunge {
			rec.Kind = KindExpunge
			rec.Target = rec.Tier
		}
		return rec, false
	}

	e, err := p.r.idx.Lookup(ctx, p.mbox, change.UID)
	if err != nil {
		logger.Warn().Err(err).Stringer("change", change.Kind).Msg("Cannot resolve change")
		return nil, false
	}

	rec := &Record{UID: e.UID, OID: e.OID, Tier: tierOf(e.Alt)}
	switch change.Kind {
	case index.ChangeExpunge:
		rec.Kind = KindExpunge
	case index.ChangeTier:
		rec.Kind = KindMigrate
		rec.Target = tierOf(change.ToAlt)
		if rec.Target == rec.Tier {
			return nil, false
		}
	default:
		return nil, false
	}
	if (rec.Tier == TierAlternate || rec.Target == TierAlternate) && p.r.alt == nil {
		logger.Warn().Str("oid", e.OID).Msg("No alternate tier configured")
		return nil, false
	}

	p.records = append(p.records, rec)
	p.byUID[rec.UID] = rec
	return rec, true
}

// Records returns the collected records.
func (p *Pass) Records() []*Record {
	return append([]*Record(nil), p.records...)
}

// MarkCommitted records that the index transaction committed.
func (p *Pass) MarkCommitted() {
	p.committed = true
}

// Apply acts on every collected record once. It returns the number of
// failed records and a *PartialFailureError when there were any.
func (p *Pass) Apply(ctx context.Context) (int, error) {
	if !p.committed {
		return 0, ErrNotCommitted
	}
	if p.applied {
		return 0, ErrApplied
	}
	p.applied = true
	if len(p.records) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer p.r.metrics.ObserveDuration("expunge", start)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.r.workers)
	for _, rec := range p.records {
		g.Go(func() error {
			err := p.r.apply(gctx, rec)
			p.r.metrics.RecordReconciled(rec.Kind.String(), err)
			if err != nil {
				p.r.logger.Error().Err(err).
					Str("mailbox", p.mbox.Name).
					Uint32("uid", rec.UID).
					Str("oid", rec.OID).
					Stringer("tier", rec.Tier).
					Stringer("kind", rec.Kind).
					Msg("Failed to reconcile record")
				mu.Lock()
				errs = append(errs, fmt.Errorf("uid %d: %w", rec.UID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.r.logger.Debug().
		Str("mailbox", p.mbox.Name).
		Int("records", len(p.records)).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("Sync pass applied")
	if len(errs) > 0 {
		return len(errs), &PartialFailureError{Failed: len(errs), Total: len(p.records), Errs: errs}
	}
	return 0, nil
}

func (r *Reconciler) apply(ctx context.Context, rec *Record) error {
	switch rec.Kind {
	case KindExpunge:
		return r.remove(ctx, r.conn(rec.Tier), rec.OID)
	case KindMigrate:
		return r.migrate(ctx, rec)
	default:
		return fmt.Errorf("unknown record kind %d", rec.Kind)
	}
}

// remove deletes oid, retrying timeouts. A missing object counts as
// removed.
func (r *Reconciler) remove(ctx context.Context, conn objstore.Conn, oid string) error {
	_, err := retry.Do(ctx, r.retry, func() error {
		return conn.Remove(ctx, oid)
	})
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	return err
}

// migrate copies the object to the target tier, checks the copy and then
// deletes the source.
func (r *Reconciler) migrate(ctx context.Context, rec *Record) error {
	src, dst := r.conn(rec.Tier), r.conn(rec.Target)

	_, err := retry.Do(ctx, r.retry, func() error {
		return dst.Operate(ctx, rec.OID, objstore.NewWriteOp().CopyFrom(src, rec.OID))
	})
	if err != nil {
		return fmt.Errorf("copy to %s: %w", rec.Target, err)
	}

	want, err := src.Stat(ctx, rec.OID)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	got, err := dst.Stat(ctx, rec.OID)
	if err != nil {
		return fmt.Errorf("stat copy: %w", err)
	}
	if got.Size != want.Size {
		return fmt.Errorf("%w: copy has %d bytes, source %d", ErrVerify, got.Size, want.Size)
	}

	if err := r.remove(ctx, src, rec.OID); err != nil {
		return fmt.Errorf("remove source on %s: %w", rec.Tier, err)
	}
	return nil
}
