package objstore

import "time"

// StepKind identifies one mutation inside a WriteOp.
type StepKind int

const (
	StepCreate StepKind = iota + 1
	StepAssertExists
	StepAssertXattr
	StepWriteFull
	StepWrite
	StepSetXattr
	StepRmXattr
	StepSetOmap
	StepRmOmapKeys
	StepCopyFrom
	StepSetMtime
	StepRemove
)

var stepNames = map[StepKind]string{
	StepCreate:       "create",
	StepAssertExists: "assert_exists",
	StepAssertXattr:  "assert_xattr",
	StepWriteFull:    "write_full",
	StepWrite:        "write",
	StepSetXattr:     "setxattr",
	StepRmXattr:      "rmxattr",
	StepSetOmap:      "omap_set",
	StepRmOmapKeys:   "omap_rm_keys",
	StepCopyFrom:     "copy_from",
	StepSetMtime:     "set_mtime",
	StepRemove:       "remove",
}

func (k StepKind) String() string {
	if n, ok := stepNames[k]; ok {
		return n
	}
	return "unknown"
}

// Step is one mutation of a WriteOp. Only the fields relevant to Kind are set.
type Step struct {
	Kind      StepKind
	Exclusive bool
	Data      []byte
	Offset    uint64
	Name      string
	Value     []byte // nil with StepAssertXattr means "must be absent"
	Omap      map[string]string
	Keys      []string
	Src       Conn
	SrcOID    string
	Mtime     time.Time
}

// WriteOp is an ordered batch of mutations applied atomically to one object.
// Either every step takes effect or none does.
type WriteOp struct {
	steps []Step
}

// NewWriteOp returns an empty write operation.
func NewWriteOp() *WriteOp {
	return &WriteOp{}
}

// Create creates the object. With exclusive set the op fails with ErrExists
// when the object is already present.
func (op *WriteOp) Create(exclusive bool) *WriteOp {
	return op.add(Step{Kind: StepCreate, Exclusive: exclusive})
}

// AssertExists fails the op with ErrNotFound when the object is missing.
func (op *WriteOp) AssertExists() *WriteOp {
	return op.add(Step{Kind: StepAssertExists})
}

// AssertXattr fails the op with ErrCanceled unless the xattr currently holds
// expected. A nil expected asserts the xattr is absent.
func (op *WriteOp) AssertXattr(name string, expected []byte) *WriteOp {
	return op.add(Step{Kind: StepAssertXattr, Name: name, Value: expected})
}

// WriteFull replaces the object payload.
func (op *WriteOp) WriteFull(data []byte) *WriteOp {
	return op.add(Step{Kind: StepWriteFull, Data: data})
}

// Write writes data at offset, extending the object as needed.
func (op *WriteOp) Write(data []byte, offset uint64) *WriteOp {
	return op.add(Step{Kind: StepWrite, Data: data, Offset: offset})
}

// SetXattr sets one attribute.
func (op *WriteOp) SetXattr(name string, value []byte) *WriteOp {
	return op.add(Step{Kind: StepSetXattr, Name: name, Value: value})
}

// RmXattr removes one attribute.
func (op *WriteOp) RmXattr(name string) *WriteOp {
	return op.add(Step{Kind: StepRmXattr, Name: name})
}

// SetOmap merges kv into the object's auxiliary key-value map.
func (op *WriteOp) SetOmap(kv map[string]string) *WriteOp {
	cp := make(map[string]string, len(kv))
	for k, v := range kv {
		cp[k] = v
	}
	return op.add(Step{Kind: StepSetOmap, Omap: cp})
}

// RmOmapKeys removes keys from the auxiliary key-value map.
func (op *WriteOp) RmOmapKeys(keys []string) *WriteOp {
	return op.add(Step{Kind: StepRmOmapKeys, Keys: append([]string(nil), keys...)})
}

// CopyFrom replaces payload, xattrs and omap with those of srcOID as seen
// through src, which may be bound to another namespace or pool.
func (op *WriteOp) CopyFrom(src Conn, srcOID string) *WriteOp {
	return op.add(Step{Kind: StepCopyFrom, Src: src, SrcOID: srcOID})
}

// SetMtime sets the object modification time.
func (op *WriteOp) SetMtime(t time.Time) *WriteOp {
	return op.add(Step{Kind: StepSetMtime, Mtime: t})
}

// Remove deletes the object.
func (op *WriteOp) Remove() *WriteOp {
	return op.add(Step{Kind: StepRemove})
}

// Steps returns the mutations in submission order.
func (op *WriteOp) Steps() []Step {
	return op.steps
}

// Len returns the number of steps.
func (op *WriteOp) Len() int {
	return len(op.steps)
}

// Has reports whether the op contains a step of kind k.
func (op *WriteOp) Has(k StepKind) bool {
	for _, s := range op.steps {
		if s.Kind == k {
			return true
		}
	}
	return false
}

func (op *WriteOp) add(s Step) *WriteOp {
	op.steps = append(op.steps, s)
	return op
}
