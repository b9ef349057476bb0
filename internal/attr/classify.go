package attr

import (
	"context"
	"errors"
	"fmt"

	"github.com/rboxmail/rbox/internal/objstore"
)

// Class controls how an attribute may be cached.
type Class int

const (
	// AlwaysRefresh attributes are never cached.
	AlwaysRefresh Class = iota
	// Mutable attributes are cached until invalidated by an update.
	Mutable
	// Immutable attributes never change once written.
	Immutable
)

func (c Class) String() string {
	switch c {
	case Mutable:
		return "mutable"
	case Immutable:
		return "immutable"
	default:
		return "always-refresh"
	}
}

// ConfigObject is the object in the configuration namespace holding the
// classification table.
const ConfigObject = "rbox_cfg"

// Xattr names on ConfigObject. Each value is the concatenated key tags.
const (
	MutableXattr   = "mutable_metadata"
	ImmutableXattr = "immutable_metadata"
)

var (
	defaultMutable   = []Key{KeyMailboxGUID, KeyMailboxName, KeyUID, KeySaveDate, KeyFlags, KeyPOP3UIDL, KeyPOP3Order, KeyDeleted}
	defaultImmutable = []Key{KeyGUID, KeyReceived, KeyPhysicalSize, KeyVirtualSize, KeyFromEnvelope, KeyVersion}
)

// Classification is an immutable snapshot of the mutable and immutable key
// sets. Keys in neither set are AlwaysRefresh.
type Classification struct {
	mutable   map[Key]struct{}
	immutable map[Key]struct{}
}

// NewClassification builds a classification. The sets must be disjoint.
func NewClassification(mutable, immutable []Key) (*Classification, error) {
	c := &Classification{
		mutable:   make(map[Key]struct{}, len(mutable)),
		immutable: make(map[Key]struct{}, len(immutable)),
	}
	for _, k := range mutable {
		c.mutable[k] = struct{}{}
	}
	for _, k := range immutable {
		if _, ok := c.mutable[k]; ok {
			return nil, fmt.Errorf("%w: key %s is both mutable and immutable", objstore.ErrConfigInvalid, k)
		}
		c.immutable[k] = struct{}{}
	}
	return c, nil
}

// DefaultClassification returns the built-in table.
func DefaultClassification() *Classification {
	c, _ := NewClassification(defaultMutable, defaultImmutable)
	return c
}

// Classify returns the class of k.
func (c *Classification) Classify(k Key) Class {
	if _, ok := c.immutable[k]; ok {
		return Immutable
	}
	if _, ok := c.mutable[k]; ok {
		return Mutable
	}
	return AlwaysRefresh
}

// Mutable returns the mutable keys in tag order.
func (c *Classification) Mutable() []Key {
	return setKeys(c.mutable)
}

// Immutable returns the immutable keys in tag order.
func (c *Classification) Immutable() []Key {
	return setKeys(c.immutable)
}

func setKeys(set map[Key]struct{}) []Key {
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func joinKeys(keys []Key) []byte {
	out := make([]byte, len(keys))
	for i, k := range keys {
		out[i] = byte(k)
	}
	return out
}

func splitKeys(b []byte) []Key {
	keys := make([]Key, len(b))
	for i, c := range b {
		keys[i] = Key(c)
	}
	return keys
}

// LoadClassification reads the table from ConfigObject through conn, which
// must be bound to the configuration namespace. A missing object is created
// with the defaults using an exclusive create; losing that race re-reads the
// winner's table.
func LoadClassification(ctx context.Context, conn objstore.Conn) (*Classification, error) {
	xattrs, err := conn.GetXattrs(ctx, ConfigObject)
	if errors.Is(err, objstore.ErrNotFound) {
		def := DefaultClassification()
		op := objstore.NewWriteOp().
			Create(true).
			SetXattr(MutableXattr, joinKeys(def.Mutable())).
			SetXattr(ImmutableXattr, joinKeys(def.Immutable()))
		err = conn.Operate(ctx, ConfigObject, op)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, objstore.ErrExists) {
			return nil, fmt.Errorf("create %s: %w", ConfigObject, err)
		}
		xattrs, err = conn.GetXattrs(ctx, ConfigObject)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ConfigObject, err)
	}
	return NewClassification(splitKeys(xattrs[MutableXattr]), splitKeys(xattrs[ImmutableXattr]))
}

// SaveClassification replaces the stored table.
func SaveClassification(ctx context.Context, conn objstore.Conn, c *Classification) error {
	op := objstore.NewWriteOp().
		Create(false).
		SetXattr(MutableXattr, joinKeys(c.Mutable())).
		SetXattr(ImmutableXattr, joinKeys(c.Immutable()))
	if err := conn.Operate(ctx, ConfigObject, op); err != nil {
		return fmt.Errorf("write %s: %w", ConfigObject, err)
	}
	return nil
}
