package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memBox struct {
	header  Header
	entries map[uint32]Entry
}

// Memory is an in-process Index.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	names map[string]string // name -> guid
	boxes map[string]*memBox
}

var _ Index = (*Memory)(nil)

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{
		now:   time.Now,
		names: make(map[string]string),
		boxes: make(map[string]*memBox),
	}
}

func (m *Memory) box(mbox Mailbox) (*memBox, error) {
	b, ok := m.boxes[mbox.GUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMailbox, mbox.GUID)
	}
	return b, nil
}

func (m *Memory) Mailbox(ctx context.Context, name string, create bool) (Mailbox, error) {
	if err := validName(name); err != nil {
		return Mailbox{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if guid, ok := m.names[name]; ok {
		return m.boxes[guid].header.Mailbox, nil
	}
	if !create {
		return Mailbox{}, fmt.Errorf("%w: %s", ErrNoMailbox, name)
	}
	mbox := Mailbox{GUID: newGUID(), Name: name}
	m.add(mbox)
	return mbox, nil
}

func (m *Memory) CreateMailbox(ctx context.Context, mbox Mailbox) error {
	if err := validName(mbox.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[mbox.Name]; ok {
		return fmt.Errorf("%w: mailbox %s", ErrExists, mbox.Name)
	}
	if _, ok := m.boxes[mbox.GUID]; ok {
		return fmt.Errorf("%w: mailbox guid %s", ErrExists, mbox.GUID)
	}
	m.add(mbox)
	return nil
}

func (m *Memory) add(mbox Mailbox) {
	m.names[mbox.Name] = mbox.GUID
	m.boxes[mbox.GUID] = &memBox{
		header:  newHeader(mbox, m.now()),
		entries: make(map[uint32]Entry),
	}
}

func (m *Memory) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mailbox, 0, len(m.boxes))
	for _, b := range m.boxes {
		out = append(out, b.header.Mailbox)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Append(ctx context.Context, mbox Mailbox, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return err
	}
	if _, ok := b.entries[e.UID]; ok {
		return fmt.Errorf("%w: uid %d", ErrExists, e.UID)
	}
	if err := checkAppend(&b.header, e); err != nil {
		return err
	}
	e.Keywords = append([]string(nil), e.Keywords...)
	b.entries[e.UID] = e
	b.header.NextUID = e.UID + 1
	b.header.Messages = len(b.entries)
	return nil
}

func (m *Memory) Expunge(ctx context.Context, mbox Mailbox, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return err
	}
	if _, ok := b.entries[uid]; !ok {
		return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
	}
	delete(b.entries, uid)
	b.header.Messages = len(b.entries)
	return nil
}

func (m *Memory) UpdateFlags(ctx context.Context, mbox Mailbox, uid uint32, flags uint16, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return err
	}
	e, ok := b.entries[uid]
	if !ok {
		return fmt.Errorf("%w: uid %d", ErrNotFound, uid)
	}
	e.Flags = flags
	e.Keywords = append([]string(nil), keywords...)
	b.entries[uid] = e
	return nil
}

func (m *Memory) Lookup(ctx context.Context, mbox Mailbox, uid uint32) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return Entry{}, err
	}
	e, ok := b.entries[uid]
	if !ok {
		return Entry{}, fmt.Errorf("%w: uid %d", ErrNotFound, uid)
	}
	return e, nil
}

func (m *Memory) Entries(ctx context.Context, mbox Mailbox) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *Memory) NextUID(ctx context.Context, mbox Mailbox) (uint32, error) {
	h, err := m.Header(ctx, mbox)
	return h.NextUID, err
}

func (m *Memory) Header(ctx context.Context, mbox Mailbox) (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return Header{}, err
	}
	return b.header, nil
}

func (m *Memory) Begin(ctx context.Context, mbox Mailbox) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.box(mbox); err != nil {
		return nil, err
	}
	return newTx(mbox, m.commit), nil
}

func (m *Memory) commit(ctx context.Context, mbox Mailbox, changes []Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return err
	}
	for _, c := range changes {
		switch c.Kind {
		case ChangeExpunge:
			delete(b.entries, c.UID)
		case ChangeTier:
			if e, ok := b.entries[c.UID]; ok {
				e.Alt = c.ToAlt
				b.entries[c.UID] = e
			}
		}
	}
	b.header.Messages = len(b.entries)
	return nil
}

func (m *Memory) Reset(ctx context.Context, mbox Mailbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return err
	}
	b.entries = make(map[uint32]Entry)
	b.header = resetHeader(b.header, m.now())
	return nil
}

func (m *Memory) FinishRebuild(ctx context.Context, mbox Mailbox) (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.box(mbox)
	if err != nil {
		return Header{}, err
	}
	b.header.RebuildCount++
	b.header.LastRebuild = m.now()
	return b.header, nil
}

func (m *Memory) Close() error {
	return nil
}

func newGUID() string {
	return uuid.NewString()
}

func newHeader(mbox Mailbox, now time.Time) Header {
	return Header{
		Mailbox:     mbox,
		UIDValidity: uint32(now.Unix()),
		NextUID:     1,
	}
}

// resetHeader starts a new uid sequence. The uid validity always changes so
// clients drop uids cached from the previous sequence.
func resetHeader(h Header, now time.Time) Header {
	validity := uint32(now.Unix())
	if validity <= h.UIDValidity {
		validity = h.UIDValidity + 1
	}
	return Header{
		Mailbox:      h.Mailbox,
		UIDValidity:  validity,
		NextUID:      1,
		RebuildCount: h.RebuildCount,
		LastRebuild:  h.LastRebuild,
	}
}
