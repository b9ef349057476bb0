// Package mailstore is the per-tenant storage facade. It wires the object
// store tiers, the tenant namespace, the record engine, the index and the
// reconcilers together.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/config"
	"github.com/rboxmail/rbox/internal/copier"
	"github.com/rboxmail/rbox/internal/expunge"
	"github.com/rboxmail/rbox/internal/index"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/namespace"
	"github.com/rboxmail/rbox/internal/objstore"
	"github.com/rboxmail/rbox/internal/rebuild"
	"github.com/rboxmail/rbox/internal/record"
)

// FormatVersion is stamped on every saved record.
const FormatVersion uint16 = 1

// ErrNoAlternate is returned for tier operations without an alternate pool.
var ErrNoAlternate = errors.New("no alternate tier configured")

// Options configures Open.
type Options struct {
	Cluster objstore.Cluster
	Index   index.Index
	Config  *config.Config

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// SaveOptions carries the metadata of a new message.
type SaveOptions struct {
	Received     time.Time
	Flags        uint16
	Keywords     []string
	FromEnvelope string
	POP3UIDL     string
}

// Storage is one tenant's view of the store.
type Storage struct {
	tenant string
	ns     string

	primary objstore.Conn
	alt     objstore.Conn

	idx        index.Index
	records    *record.Engine
	cache      *attr.Cache
	copiers    map[bool]*copier.Engine // keyed by alternate tier
	rebuilder  *rebuild.Rebuilder
	reconciler *expunge.Reconciler

	logger zerolog.Logger
	now    func() time.Time

	// mu serializes uid allocation.
	mu sync.Mutex
}

// Open resolves the tenant namespace, creating it when create is set, and
// returns the tenant's storage.
func Open(ctx context.Context, opts Options, tenant string, create bool) (*Storage, error) {
	if opts.Cluster == nil || opts.Index == nil {
		return nil, fmt.Errorf("%w: mailstore needs a cluster and an index", objstore.ErrConfigInvalid)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", objstore.ErrConfigInvalid, err)
	}
	logger := opts.Logger.With().Str("tenant", tenant).Logger()

	primary, err := opts.Cluster.OpenPool(cfg.Pools.Primary)
	if err != nil {
		return nil, fmt.Errorf("open pool %s: %w", cfg.Pools.Primary, err)
	}

	names, err := namespace.New(namespace.Config{
		Conn:             primary,
		MappingNamespace: cfg.Namespace.MappingNamespace,
		Suffix:           cfg.Namespace.Suffix,
		Logger:           logger,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	ns, err := names.Lookup(ctx, tenant, create)
	if err != nil {
		return nil, fmt.Errorf("resolve namespace of %s: %w", tenant, err)
	}
	primary.SetNamespace(ns)

	var alt objstore.Conn
	if cfg.Pools.Alternate != "" {
		alt, err = opts.Cluster.OpenPool(cfg.Pools.Alternate)
		if err != nil {
			return nil, fmt.Errorf("open pool %s: %w", cfg.Pools.Alternate, err)
		}
		alt.SetNamespace(ns)
	}

	chunk, err := objstore.MaxWriteSize(opts.Cluster)
	if err != nil {
		return nil, err
	}
	if c := int(cfg.Write.ChunkSize.Bytes()); c > 0 && c < chunk {
		chunk = c
	}

	class, err := attr.LoadClassification(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("load attribute classification: %w", err)
	}
	cache, err := attr.NewCache(cfg.Cache.AttributeEntries, class)
	if err != nil {
		return nil, err
	}

	records, err := record.NewEngine(record.Config{
		MaxChunk:       chunk,
		Policy:         policy,
		Classification: class,
		Logger:         logger,
		Metrics:        opts.Metrics,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		tenant:  tenant,
		ns:      ns,
		primary: primary,
		alt:     alt,
		idx:     opts.Index,
		records: records,
		cache:   cache,
		copiers: make(map[bool]*copier.Engine, 2),
		logger:  logger.With().Str("component", "mailstore").Logger(),
		now:     opts.Now,
	}

	for isAlt, conn := range map[bool]objstore.Conn{false: primary, true: alt} {
		if conn == nil {
			continue
		}
		s.copiers[isAlt], err = copier.New(copier.Config{
			Conn:    conn.Clone(),
			Policy:  policy,
			Logger:  logger,
			Metrics: opts.Metrics,
			Now:     opts.Now,
		})
		if err != nil {
			return nil, err
		}
	}

	s.rebuilder, err = rebuild.New(rebuild.Config{
		Primary:      primary,
		Alt:          alt,
		Index:        opts.Index,
		Decoder:      records,
		ScanAttempts: cfg.Rebuild.ScanAttempts,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	lo, hi, err := cfg.Expunge.Backoff()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", objstore.ErrConfigInvalid, err)
	}
	s.reconciler, err = expunge.New(expunge.Config{
		Primary:     primary,
		Alt:         alt,
		Index:       opts.Index,
		MaxAttempts: cfg.Expunge.MaxAttempts,
		MinBackoff:  lo,
		MaxBackoff:  hi,
		Workers:     cfg.Expunge.Workers,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("namespace", ns).Int("chunk", chunk).Msg("Storage opened")
	return s, nil
}

// Tenant returns the tenant key.
func (s *Storage) Tenant() string {
	return s.tenant
}

// Namespace returns the tenant's namespace.
func (s *Storage) Namespace() string {
	return s.ns
}

// Index returns the index the storage keeps in step.
func (s *Storage) Index() index.Index {
	return s.idx
}

// Mailbox returns the mailbox called name.
func (s *Storage) Mailbox(ctx context.Context, name string, create bool) (index.Mailbox, error) {
	return s.idx.Mailbox(ctx, name, create)
}

func (s *Storage) conn(alt bool) objstore.Conn {
	if alt {
		return s.alt
	}
	return s.primary
}

// Save stores payload as a new message of mbox and indexes it under the
// next uid.
func (s *Storage) Save(ctx context.Context, mbox index.Mailbox, payload []byte, opts SaveOptions) (index.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, err := s.idx.NextUID(ctx, mbox)
	if err != nil {
		return index.Entry{}, err
	}
	if opts.Received.IsZero() {
		opts.Received = s.now()
	}

	r := record.New(record.NewID())
	attrs := map[attr.Key]attr.Value{
		attr.KeyMailboxGUID: attr.String(mbox.GUID),
		attr.KeyMailboxName: attr.String(mbox.Name),
		attr.KeyGUID:        attr.String(uuid.NewString()),
		attr.KeyUID:         attr.Uint32(uid),
		attr.KeyReceived:    attr.Time(opts.Received),
		attr.KeyVirtualSize: attr.Uint64(uint64(len(payload))),
		attr.KeyVersion:     attr.Uint16(FormatVersion),
		attr.KeyFlags:       attr.Uint16(opts.Flags),
	}
	if opts.FromEnvelope != "" {
		attrs[attr.KeyFromEnvelope] = attr.String(opts.FromEnvelope)
	}
	if opts.POP3UIDL != "" {
		attrs[attr.KeyPOP3UIDL] = attr.String(opts.POP3UIDL)
	}
	for k, v := range attrs {
		if err := r.SetAttr(k, v); err != nil {
			return index.Entry{}, err
		}
	}
	for _, kw := range opts.Keywords {
		if err := r.SetKeyword(kw, ""); err != nil {
			return index.Entry{}, err
		}
	}
	if err := r.SetPayload(payload); err != nil {
		return index.Entry{}, err
	}

	if err := s.records.Save(ctx, s.primary, r); err != nil {
		return index.Entry{}, err
	}

	e := index.Entry{UID: uid, OID: r.ID, Flags: opts.Flags, Keywords: sortedCopy(opts.Keywords)}
	if err := s.idx.Append(ctx, mbox, e); err != nil {
		s.logger.Error().Err(err).Str("oid", r.ID).Uint32("uid", uid).Msg("Saved record not indexed")
		return index.Entry{}, fmt.Errorf("index %s: %w", r.ID, err)
	}
	return e, nil
}

// Get loads message uid of mbox, with its payload when withPayload is set.
func (s *Storage) Get(ctx context.Context, mbox index.Mailbox, uid uint32, withPayload bool) (*record.Record, error) {
	e, err := s.idx.Lookup(ctx, mbox, uid)
	if err != nil {
		return nil, err
	}
	r, err := s.records.Load(ctx, s.conn(e.Alt), e.OID, withPayload)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Attrs() {
		s.cache.Put(e.OID, k, v)
	}
	return r, nil
}

// Attribute returns one attribute of message uid, served from the cache
// unless the key is always refreshed.
func (s *Storage) Attribute(ctx context.Context, mbox index.Mailbox, uid uint32, k attr.Key) (attr.Value, error) {
	e, err := s.idx.Lookup(ctx, mbox, uid)
	if err != nil {
		return attr.Value{}, err
	}
	if v, ok := s.cache.Get(e.OID, k); ok {
		return v, nil
	}
	raw, err := s.conn(e.Alt).GetXattr(ctx, e.OID, k.String())
	if err != nil {
		return attr.Value{}, fmt.Errorf("read %s of %s: %w", k, e.OID, err)
	}
	v, err := attr.DecodeKey(k, raw)
	if err != nil {
		return attr.Value{}, err
	}
	s.cache.Put(e.OID, k, v)
	return v, nil
}

// UpdateFlags replaces the flags of message uid and adds and removes
// keywords.
func (s *Storage) UpdateFlags(ctx context.Context, mbox index.Mailbox, uid uint32, flags uint16, add, remove []string) error {
	e, err := s.idx.Lookup(ctx, mbox, uid)
	if err != nil {
		return err
	}
	conn := s.conn(e.Alt)

	if err := s.records.UpdateAttributes(ctx, conn, e.OID, map[attr.Key]attr.Value{attr.KeyFlags: attr.Uint16(flags)}); err != nil {
		return err
	}
	s.cache.Invalidate(e.OID, attr.KeyFlags)

	set := make(map[string]string, len(add))
	for _, kw := range add {
		set[kw] = ""
	}
	if err := s.records.UpdateKeywords(ctx, conn, e.OID, set, remove); err != nil {
		return err
	}

	keywords := make(map[string]bool, len(e.Keywords)+len(add))
	for _, kw := range e.Keywords {
		keywords[kw] = true
	}
	for _, kw := range add {
		keywords[kw] = true
	}
	for _, kw := range remove {
		delete(keywords, kw)
	}
	list := make([]string, 0, len(keywords))
	for kw := range keywords {
		list = append(list, kw)
	}
	sort.Strings(list)
	return s.idx.UpdateFlags(ctx, mbox, uid, flags, list)
}

// relabel returns the attributes a message gets in dst under uid.
func relabel(dst index.Mailbox, uid uint32) map[attr.Key]attr.Value {
	return map[attr.Key]attr.Value{
		attr.KeyMailboxGUID: attr.String(dst.GUID),
		attr.KeyMailboxName: attr.String(dst.Name),
		attr.KeyUID:         attr.Uint32(uid),
	}
}

// Copy duplicates message uid of src into dst and returns the new entry.
func (s *Storage) Copy(ctx context.Context, src index.Mailbox, uid uint32, dst index.Mailbox) (index.Entry, error) {
	return s.CopyTo(ctx, src, uid, s, dst)
}

// CopyTo duplicates message uid of src into mailbox dstBox of another
// tenant's storage. Both tenants must share the pools.
func (s *Storage) CopyTo(ctx context.Context, src index.Mailbox, uid uint32, dst *Storage, dstBox index.Mailbox) (index.Entry, error) {
	e, err := s.idx.Lookup(ctx, src, uid)
	if err != nil {
		return index.Entry{}, err
	}
	cp, ok := s.copiers[e.Alt]
	if !ok {
		return index.Entry{}, ErrNoAlternate
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()

	next, err := dst.idx.NextUID(ctx, dstBox)
	if err != nil {
		return index.Entry{}, err
	}
	oid := record.NewID()
	if err := cp.Copy(ctx, e.OID, s.ns, oid, dst.ns, relabel(dstBox, next)); err != nil {
		return index.Entry{}, err
	}

	ne := index.Entry{UID: next, OID: oid, Flags: e.Flags, Keywords: e.Keywords, Alt: e.Alt}
	if err := dst.idx.Append(ctx, dstBox, ne); err != nil {
		return index.Entry{}, fmt.Errorf("index copy %s: %w", oid, err)
	}
	return ne, nil
}

// Move relocates message uid of src into dst. The object keeps its id; only
// its mailbox attributes and uid change.
func (s *Storage) Move(ctx context.Context, src index.Mailbox, uid uint32, dst index.Mailbox) (index.Entry, error) {
	e, err := s.idx.Lookup(ctx, src, uid)
	if err != nil {
		return index.Entry{}, err
	}
	cp, ok := s.copiers[e.Alt]
	if !ok {
		return index.Entry{}, ErrNoAlternate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.idx.NextUID(ctx, dst)
	if err != nil {
		return index.Entry{}, err
	}
	oid, err := cp.Move(ctx, e.OID, s.ns, e.OID, s.ns, relabel(dst, next))
	if err != nil {
		return index.Entry{}, err
	}
	s.cache.Forget(e.OID)

	ne := index.Entry{UID: next, OID: oid, Flags: e.Flags, Keywords: e.Keywords, Alt: e.Alt}
	if err := s.idx.Append(ctx, dst, ne); err != nil {
		return index.Entry{}, fmt.Errorf("index move %s: %w", oid, err)
	}
	if err := s.idx.Expunge(ctx, src, uid); err != nil {
		return ne, fmt.Errorf("unindex moved uid %d: %w", uid, err)
	}
	return ne, nil
}

// Expunge removes messages from the index and then from the store. The
// returned count is the number of objects that could not be deleted.
func (s *Storage) Expunge(ctx context.Context, mbox index.Mailbox, uids ...uint32) (int, error) {
	tx, err := s.idx.Begin(ctx, mbox)
	if err != nil {
		return 0, err
	}
	for _, uid := range uids {
		if e, err := s.idx.Lookup(ctx, mbox, uid); err == nil {
			s.cache.Forget(e.OID)
		}
		tx.Expunge(uid)
	}
	return s.reconciler.Sync(ctx, tx)
}

// MoveToAlt moves messages to the alternate tier, or back to the primary
// tier when alt is false.
func (s *Storage) MoveToAlt(ctx context.Context, mbox index.Mailbox, alt bool, uids ...uint32) (int, error) {
	if s.alt == nil {
		return 0, ErrNoAlternate
	}
	tx, err := s.idx.Begin(ctx, mbox)
	if err != nil {
		return 0, err
	}
	for _, uid := range uids {
		tx.SetTier(uid, alt)
	}
	return s.reconciler.Sync(ctx, tx)
}

// Rebuild recovers the index of the mailbox called name from the store,
// first dropping what the index holds when reset is set.
func (s *Storage) Rebuild(ctx context.Context, name string, reset bool) (rebuild.Result, error) {
	mbox, err := s.idx.Mailbox(ctx, name, true)
	if err != nil {
		return rebuild.Result{}, err
	}
	if reset {
		if err := s.idx.Reset(ctx, mbox); err != nil {
			return rebuild.Result{}, err
		}
	}
	return s.rebuilder.Run(ctx, mbox)
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
