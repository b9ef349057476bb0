// Package record implements the object handle of one stored message and the
// chunked write engine that persists it.
package record

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/objstore"
)

// slot pairs a submitted operation with its completion. The record owns
// both until Wait releases them.
type slot struct {
	comp *objstore.Completion
	op   *objstore.WriteOp
}

// Record is the in-memory form of one stored message. Attributes, keywords
// and payload may only change while no write is pending.
type Record struct {
	ID string

	attrs    map[attr.Key]attr.Value
	keywords map[string]string
	payload  []byte
	size     int64
	saveTime time.Time

	pending []slot
}

// New returns an empty record with the given object id.
func New(id string) *Record {
	return &Record{
		ID:       id,
		attrs:    make(map[attr.Key]attr.Value),
		keywords: make(map[string]string),
	}
}

// NewID returns a fresh object id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetAttr sets one typed attribute.
func (r *Record) SetAttr(k attr.Key, v attr.Value) error {
	if len(r.pending) > 0 {
		return ErrPending
	}
	if err := checkAttr(k, v); err != nil {
		return err
	}
	r.attrs[k] = v
	return nil
}

func checkAttr(k attr.Key, v attr.Value) error {
	if err := attr.CheckKey(k); err != nil {
		return err
	}
	if err := v.Check(); err != nil {
		return fmt.Errorf("attribute %s: %w", k.Name(), err)
	}
	return nil
}

// Attr returns one attribute.
func (r *Record) Attr(k attr.Key) (attr.Value, bool) {
	v, ok := r.attrs[k]
	return v, ok
}

// Attrs returns a copy of the attribute set.
func (r *Record) Attrs() map[attr.Key]attr.Value {
	out := make(map[attr.Key]attr.Value, len(r.attrs))
	for k, v := range r.attrs {
		out[k] = v
	}
	return out
}

// SetKeyword sets one per-keyword extended attribute.
func (r *Record) SetKeyword(name, value string) error {
	if len(r.pending) > 0 {
		return ErrPending
	}
	r.keywords[name] = value
	return nil
}

// Keywords returns a copy of the extended attributes.
func (r *Record) Keywords() map[string]string {
	out := make(map[string]string, len(r.keywords))
	for k, v := range r.keywords {
		out[k] = v
	}
	return out
}

// SetPayload replaces the message body.
func (r *Record) SetPayload(b []byte) error {
	if len(r.pending) > 0 {
		return ErrPending
	}
	r.payload = b
	r.size = int64(len(b))
	return nil
}

// Payload returns the message body, if loaded.
func (r *Record) Payload() []byte {
	return r.payload
}

// Size is the payload length submitted for writing, or the stored size of a
// loaded record.
func (r *Record) Size() int64 {
	return r.size
}

// SetSaveTime sets the save timestamp stamped on the object.
func (r *Record) SetSaveTime(t time.Time) error {
	if len(r.pending) > 0 {
		return ErrPending
	}
	if err := attr.Time(t).Check(); err != nil {
		return fmt.Errorf("save time: %w", err)
	}
	r.saveTime = t
	return nil
}

// SaveTime returns the save timestamp.
func (r *Record) SaveTime() time.Time {
	return r.saveTime
}

// Pending returns the number of operations not yet waited on.
func (r *Record) Pending() int {
	return len(r.pending)
}

// UID returns the embedded uid attribute, or 0.
func (r *Record) UID() uint32 {
	if v, ok := r.attrs[attr.KeyUID]; ok && v.Kind() == attr.KindUint32 {
		return uint32(v.AsUint())
	}
	return 0
}

// StringAttr returns a string attribute, or "".
func (r *Record) StringAttr(k attr.Key) string {
	if v, ok := r.attrs[k]; ok && v.Kind() == attr.KindString {
		return v.AsString()
	}
	return ""
}

// applyMetadata adds the attribute, keyword and mtime mutations to op in a
// stable order.
func (r *Record) applyMetadata(op *objstore.WriteOp) {
	for _, k := range sortedKeys(r.attrs) {
		op.SetXattr(k.String(), attr.Encode(r.attrs[k]))
	}
	if len(r.keywords) > 0 {
		op.SetOmap(r.keywords)
	}
	if !r.saveTime.IsZero() {
		op.SetMtime(r.saveTime)
	}
}

func sortedKeys(m map[attr.Key]attr.Value) []attr.Key {
	keys := make([]attr.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
