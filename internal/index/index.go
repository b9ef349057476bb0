// Package index is the external ordered index the storage engine keeps in
// step with the object store: one uid-ordered list of entries per mailbox.
//
// Bolt is the production implementation; Memory is a test double with the
// same semantics.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Index error types.
var (
	ErrNotFound    = errors.New("index entry not found")
	ErrExists      = errors.New("index entry already exists")
	ErrOutOfOrder  = errors.New("uid not above next uid")
	ErrNoMailbox   = errors.New("mailbox not found")
	ErrTxDone      = errors.New("transaction already finished")
	ErrInvalidName = errors.New("invalid mailbox name")
)

// Entry is one indexed record.
type Entry struct {
	UID      uint32   `json:"uid"`
	OID      string   `json:"oid"`
	Flags    uint16   `json:"flags,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	// Alt is set when the object lives in the alternate tier.
	Alt bool `json:"alt,omitempty"`
}

// Mailbox identifies one uid sequence.
type Mailbox struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// Header is the per-mailbox index state.
type Header struct {
	Mailbox      Mailbox   `json:"mailbox"`
	UIDValidity  uint32    `json:"uid_validity"`
	NextUID      uint32    `json:"next_uid"`
	Messages     int       `json:"messages"`
	RebuildCount uint32    `json:"rebuild_count"`
	LastRebuild  time.Time `json:"last_rebuild,omitempty"`
}

// Sink is the narrow surface the storage engine notifies when it changes
// what the index must reflect.
type Sink interface {
	// Append adds e. Its uid must not be below the mailbox's next uid;
	// the next uid advances past it.
	Append(ctx context.Context, mbox Mailbox, e Entry) error
	// Expunge removes one entry.
	Expunge(ctx context.Context, mbox Mailbox, uid uint32) error
	// UpdateFlags replaces the flags and keywords of one entry.
	UpdateFlags(ctx context.Context, mbox Mailbox, uid uint32, flags uint16, keywords []string) error
}

// Index is the full index surface.
type Index interface {
	Sink

	// Mailbox returns the mailbox called name, creating it with a fresh
	// guid when create is set.
	Mailbox(ctx context.Context, name string, create bool) (Mailbox, error)
	// CreateMailbox registers a mailbox with a known guid.
	CreateMailbox(ctx context.Context, mbox Mailbox) error
	// Mailboxes lists every mailbox.
	Mailboxes(ctx context.Context) ([]Mailbox, error)

	Lookup(ctx context.Context, mbox Mailbox, uid uint32) (Entry, error)
	// Entries returns every entry in uid order.
	Entries(ctx context.Context, mbox Mailbox) ([]Entry, error)
	// NextUID returns the uid the next appended entry would get.
	NextUID(ctx context.Context, mbox Mailbox) (uint32, error)
	Header(ctx context.Context, mbox Mailbox) (Header, error)

	// Begin starts a synchronization transaction recording expunges and
	// tier changes until Commit.
	Begin(ctx context.Context, mbox Mailbox) (*Tx, error)

	// Reset drops every entry of mbox and starts a new uid validity. It is
	// used before rebuilding an index declared corrupt.
	Reset(ctx context.Context, mbox Mailbox) error
	// FinishRebuild marks mbox rebuilt and bumps its rebuild counter. It is
	// the only rebuild step serialized with other rebuilders.
	FinishRebuild(ctx context.Context, mbox Mailbox) (Header, error)

	Close() error
}

// ChangeKind classifies a transaction change.
type ChangeKind int

const (
	ChangeExpunge ChangeKind = iota + 1
	ChangeTier
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeExpunge:
		return "expunge"
	case ChangeTier:
		return "tier"
	default:
		return "unknown"
	}
}

// Change is one recorded transaction change. For ChangeTier, ToAlt is the
// target tier.
type Change struct {
	Kind  ChangeKind
	UID   uint32
	ToAlt bool
}

type commitFunc func(ctx context.Context, mbox Mailbox, changes []Change) error

// Tx buffers changes to one mailbox. Nothing is visible to readers until
// Commit applies every change at once.
type Tx struct {
	mbox    Mailbox
	changes []Change
	commit  commitFunc
	done    bool
}

func newTx(mbox Mailbox, commit commitFunc) *Tx {
	return &Tx{mbox: mbox, commit: commit}
}

// Mailbox returns the mailbox the transaction changes.
func (t *Tx) Mailbox() Mailbox {
	return t.mbox
}

// Expunge records the removal of uid.
func (t *Tx) Expunge(uid uint32) {
	t.changes = append(t.changes, Change{Kind: ChangeExpunge, UID: uid})
}

// SetTier records moving uid to the alternate tier (alt) or back.
func (t *Tx) SetTier(uid uint32, alt bool) {
	t.changes = append(t.changes, Change{Kind: ChangeTier, UID: uid, ToAlt: alt})
}

// Changes returns the recorded changes in order.
func (t *Tx) Changes() []Change {
	return append([]Change(nil), t.changes...)
}

// Commit applies the recorded changes. Expunging an unknown uid is a no-op.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if len(t.changes) == 0 {
		return nil
	}
	if err := t.commit(ctx, t.mbox, t.changes); err != nil {
		return fmt.Errorf("commit %d changes to %s: %w", len(t.changes), t.mbox.Name, err)
	}
	return nil
}

// Rollback discards the recorded changes.
func (t *Tx) Rollback() {
	t.done = true
	t.changes = nil
}

// Done reports whether the transaction was committed or rolled back.
func (t *Tx) Done() bool {
	return t.done
}

func checkAppend(h *Header, e Entry) error {
	if e.UID == 0 {
		return fmt.Errorf("%w: uid 0", ErrOutOfOrder)
	}
	if e.UID < h.NextUID {
		return fmt.Errorf("%w: uid %d, next uid %d", ErrOutOfOrder, e.UID, h.NextUID)
	}
	if e.OID == "" {
		return fmt.Errorf("entry %d has no object id", e.UID)
	}
	return nil
}

func validName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	return nil
}
