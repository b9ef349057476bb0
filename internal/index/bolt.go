package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Bucket layout:
//
//	names/                 mailbox name -> guid
//	mailboxes/
//	  {guid}/
//	    header             JSON Header
//	    entries/           big-endian uid -> JSON Entry
var (
	bucketNames     = []byte("names")
	bucketMailboxes = []byte("mailboxes")
	bucketEntries   = []byte("entries")
	keyHeader       = []byte("header")
)

// BoltOptions configures a Bolt index.
type BoltOptions struct {
	// NoSync disables fsync per transaction. Use only for tests.
	NoSync bool

	Logger zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Bolt is an Index stored in a bbolt database file.
type Bolt struct {
	db     *bolt.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ Index = (*Bolt)(nil)

// OpenBolt opens or creates the index database at path.
func OpenBolt(path string, opts BoltOptions) (*Bolt, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNames, bucketMailboxes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &Bolt{
		db:     db,
		logger: opts.Logger.With().Str("component", "index").Logger(),
		now:    opts.Now,
	}
	b.logger.Debug().Str("path", path).Bool("no_sync", opts.NoSync).Msg("Index opened")
	return b, nil
}

func uidKey(uid uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, uid)
}

// mailboxBucket returns the sub-bucket of mbox.
func mailboxBucket(tx *bolt.Tx, mbox Mailbox) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketMailboxes).Bucket([]byte(mbox.GUID))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMailbox, mbox.GUID)
	}
	return b, nil
}

func readHeader(b *bolt.Bucket) (Header, error) {
	var h Header
	raw := b.Get(keyHeader)
	if raw == nil {
		return h, fmt.Errorf("mailbox header missing")
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("unmarshal mailbox header: %w", err)
	}
	return h, nil
}

func writeHeader(b *bolt.Bucket, h Header) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal mailbox header: %w", err)
	}
	return b.Put(keyHeader, raw)
}

func readEntry(entries *bolt.Bucket, uid uint32) (Entry, bool, error) {
	raw := entries.Get(uidKey(uid))
	if raw == nil {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal entry %d: %w", uid, err)
	}
	return e, true, nil
}

func writeEntry(entries *bolt.Bucket, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", e.UID, err)
	}
	return entries.Put(uidKey(e.UID), raw)
}

func (b *Bolt) Mailbox(ctx context.Context, name string, create bool) (Mailbox, error) {
	if err := validName(name); err != nil {
		return Mailbox{}, err
	}

	var mbox Mailbox
	fn := b.db.View
	if create {
		fn = b.db.Update
	}
	err := fn(func(tx *bolt.Tx) error {
		if guid := tx.Bucket(bucketNames).Get([]byte(name)); guid != nil {
			mbox = Mailbox{GUID: string(guid), Name: name}
			return nil
		}
		if !create {
			return fmt.Errorf("%w: %s", ErrNoMailbox, name)
		}
		mbox = Mailbox{GUID: newGUID(), Name: name}
		return b.add(tx, mbox)
	})
	return mbox, err
}

func (b *Bolt) CreateMailbox(ctx context.Context, mbox Mailbox) error {
	if err := validName(mbox.Name); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNames).Get([]byte(mbox.Name)) != nil {
			return fmt.Errorf("%w: mailbox %s", ErrExists, mbox.Name)
		}
		if tx.Bucket(bucketMailboxes).Bucket([]byte(mbox.GUID)) != nil {
			return fmt.Errorf("%w: mailbox guid %s", ErrExists, mbox.GUID)
		}
		return b.add(tx, mbox)
	})
}

func (b *Bolt) add(tx *bolt.Tx, mbox Mailbox) error {
	if err := tx.Bucket(bucketNames).Put([]byte(mbox.Name), []byte(mbox.GUID)); err != nil {
		return fmt.Errorf("put mailbox name: %w", err)
	}
	mb, err := tx.Bucket(bucketMailboxes).CreateBucket([]byte(mbox.GUID))
	if err != nil {
		return fmt.Errorf("create mailbox bucket: %w", err)
	}
	if _, err := mb.CreateBucket(bucketEntries); err != nil {
		return fmt.Errorf("create entries bucket: %w", err)
	}
	b.logger.Debug().Str("mailbox", mbox.Name).Str("guid", mbox.GUID).Msg("Mailbox created")
	return writeHeader(mb, newHeader(mbox, b.now()))
}

func (b *Bolt) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	var out []Mailbox
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNames).ForEach(func(k, v []byte) error {
			out = append(out, Mailbox{GUID: string(v), Name: string(k)})
			return nil
		})
	})
	return out, err
}

// update runs fn on the header and entries of mbox inside one write
// transaction and stores the header afterwards.
func (b *Bolt) update(mbox Mailbox, fn func(h *Header, entries *bolt.Bucket) error) (Header, error) {
	var h Header
	err := b.db.Update(func(tx *bolt.Tx) error {
		mb, err := mailboxBucket(tx, mbox)
		if err != nil {
			return err
		}
		if h, err = readHeader(mb); err != nil {
			return err
		}
		if err := fn(&h, mb.Bucket(bucketEntries)); err != nil {
			return err
		}
		return writeHeader(mb, h)
	})
	return h, err
}

func (b *Bolt) view(mbox Mailbox, fn func(h Header, entries *bolt.Bucket) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		mb, err := mailboxBucket(tx, mbox)
		if err != nil {
			return err
		}
		h, err := readHeader(mb)
		if err != nil {
			return err
		}
		return fn(h, mb.Bucket(bucketEntries))
	})
}

func (b *Bolt) Append(ctx context.Context, mbox Mailbox, e Entry) error {
	_, err := b.update(mbox, func(h *Header, entries *bolt.Bucket) error {
		if entries.Get(uidKey(e.UID)) != nil {
			return fmt.Errorf("%w: uid %d", ErrExists, e.UID)
		}
		if err := checkAppend(h, e); err != nil {
			return err
		}
		if err := writeEntry(entries, e); err != nil {
			return err
		}
		h.NextUID = e.UID + 1
		h.Messages++
		return nil
	})
	return err
}

func (b *Bolt) Expunge(ctx context.Context, mbox Mailbox, uid uint32) error {
	_, err := b.update(mbox, func(h *Header, entries *bolt.Bucket) error {
		if entries.Get(uidKey(uid)) == nil {
			return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
		}
		h.Messages--
		return entries.Delete(uidKey(uid))
	})
	return err
}

func (b *Bolt) UpdateFlags(ctx context.Context, mbox Mailbox, uid uint32, flags uint16, keywords []string) error {
	_, err := b.update(mbox, func(h *Header, entries *bolt.Bucket) error {
		e, ok, err := readEntry(entries, uid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
		}
		e.Flags = flags
		e.Keywords = keywords
		return writeEntry(entries, e)
	})
	return err
}

func (b *Bolt) Lookup(ctx context.Context, mbox Mailbox, uid uint32) (Entry, error) {
	var e Entry
	err := b.view(mbox, func(h Header, entries *bolt.Bucket) error {
		var ok bool
		var err error
		e, ok, err = readEntry(entries, uid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
		}
		return nil
	})
	return e, err
}

func (b *Bolt) Entries(ctx context.Context, mbox Mailbox) ([]Entry, error) {
	var out []Entry
	err := b.view(mbox, func(h Header, entries *bolt.Bucket) error {
		return entries.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal entry %d: %w", binary.BigEndian.Uint32(k), err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) NextUID(ctx context.Context, mbox Mailbox) (uint32, error) {
	h, err := b.Header(ctx, mbox)
	return h.NextUID, err
}

func (b *Bolt) Header(ctx context.Context, mbox Mailbox) (Header, error) {
	var out Header
	err := b.view(mbox, func(h Header, _ *bolt.Bucket) error {
		out = h
		return nil
	})
	return out, err
}

func (b *Bolt) Begin(ctx context.Context, mbox Mailbox) (*Tx, error) {
	if _, err := b.Header(ctx, mbox); err != nil {
		return nil, err
	}
	return newTx(mbox, b.commit), nil
}

func (b *Bolt) commit(ctx context.Context, mbox Mailbox, changes []Change) error {
	_, err := b.update(mbox, func(h *Header, entries *bolt.Bucket) error {
		for _, c := range changes {
			switch c.Kind {
			case ChangeExpunge:
				if entries.Get(uidKey(c.UID)) == nil {
					continue
				}
				if err := entries.Delete(uidKey(c.UID)); err != nil {
					return err
				}
				h.Messages--
			case ChangeTier:
				e, ok, err := readEntry(entries, c.UID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				e.Alt = c.ToAlt
				if err := writeEntry(entries, e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return err
}

func (b *Bolt) Reset(ctx context.Context, mbox Mailbox) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		mb, err := mailboxBucket(tx, mbox)
		if err != nil {
			return err
		}
		h, err := readHeader(mb)
		if err != nil {
			return err
		}
		if err := mb.DeleteBucket(bucketEntries); err != nil {
			return fmt.Errorf("drop entries: %w", err)
		}
		if _, err := mb.CreateBucket(bucketEntries); err != nil {
			return fmt.Errorf("create entries bucket: %w", err)
		}
		b.logger.Info().Str("mailbox", mbox.Name).Msg("Index reset")
		return writeHeader(mb, resetHeader(h, b.now()))
	})
}

func (b *Bolt) FinishRebuild(ctx context.Context, mbox Mailbox) (Header, error) {
	return b.update(mbox, func(h *Header, _ *bolt.Bucket) error {
		h.RebuildCount++
		h.LastRebuild = b.now()
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
