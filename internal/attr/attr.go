// Package attr encodes the typed attribute set stored on every record object
// and classifies attribute keys for caching.
//
// Wire format (little-endian, independent of host byte order):
//
//	string, bytes   u32 length, raw bytes
//	int16/uint16    2 bytes
//	int32/uint32    4 bytes
//	int64/uint64    8 bytes
//	bool            1 byte (0 or 1)
//	time            u32 seconds since epoch, u32 nanoseconds
//
// Decoding is strict: a short buffer, trailing bytes or an out of range
// value yield ErrMalformed.
package attr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind is the declared type of an attribute value.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindBytes
	KindBool
	KindInt16
	KindInt32
	KindInt64
	KindUint16
	KindUint32
	KindUint64
	KindTime
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindString:  "string",
	KindBytes:   "bytes",
	KindBool:    "bool",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindTime:    "time",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "invalid"
	}
	return kindNames[k]
}

// width returns the fixed encoded size, or 0 for length-prefixed kinds.
func (k Kind) width() int {
	switch k {
	case KindBool:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32:
		return 4
	case KindInt64, KindUint64, KindTime:
		return 8
	default:
		return 0
	}
}

// Value is a typed attribute value. The zero Value is invalid.
type Value struct {
	kind Kind
	raw  []byte // string and bytes
	num  uint64 // integers and bool, two's complement for signed kinds
	t    time.Time
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, raw: []byte(s)} }

// Bytes returns a raw byte value.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: append([]byte(nil), b...)} }

func Int16(v int16) Value { return Value{kind: KindInt16, num: uint64(v)} }

func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(v)} }

func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} }

func Uint16(v uint16) Value { return Value{kind: KindUint16, num: uint64(v)} }

func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }

func Uint64(v uint64) Value { return Value{kind: KindUint64, num: v} }

// Timestamps are stored as u32 seconds since the epoch.
var (
	MinTime = time.Unix(0, 0).UTC()
	MaxTime = time.Unix(math.MaxUint32, int64(time.Second-1)).UTC()
)

// Time returns a timestamp value. Times outside MinTime..MaxTime fail Check.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.Round(0).UTC()} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString returns string and bytes values as a string.
func (v Value) AsString() string { return string(v.raw) }

// AsBytes returns string and bytes values.
func (v Value) AsBytes() []byte { return v.raw }

// AsBool returns the boolean value.
func (v Value) AsBool() bool { return v.num != 0 }

// AsInt returns signed values sign-extended to int64.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt16:
		return int64(int16(v.num))
	case KindInt32:
		return int64(int32(v.num))
	default:
		return int64(v.num)
	}
}

// AsUint returns unsigned values widened to uint64.
func (v Value) AsUint() uint64 { return v.num }

// AsTime returns the timestamp value in UTC.
func (v Value) AsTime() time.Time { return v.t }

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return v.num == o.num
	}
}

// String formats the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return string(v.raw)
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt16, KindInt32, KindInt64:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindUint16, KindUint32, KindUint64:
		return strconv.FormatUint(v.num, 10)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

// Check reports whether v can be encoded without loss.
func (v Value) Check() error {
	if v.kind == KindTime && (v.t.Before(MinTime) || v.t.After(MaxTime)) {
		return fmt.Errorf("%w: time %s outside %s..%s", ErrOutOfRange,
			v.t.Format(time.RFC3339), MinTime.Format(time.RFC3339), MaxTime.Format(time.RFC3339))
	}
	return nil
}

// Encode returns the wire form of v. Invalid values and values failing
// Check encode to nil, which never decodes.
func Encode(v Value) []byte {
	if v.Check() != nil {
		return nil
	}
	le := binary.LittleEndian
	switch v.kind {
	case KindString, KindBytes:
		buf := make([]byte, 4+len(v.raw))
		le.PutUint32(buf, uint32(len(v.raw)))
		copy(buf[4:], v.raw)
		return buf
	case KindBool:
		return []byte{byte(v.num)}
	case KindInt16, KindUint16:
		return le.AppendUint16(nil, uint16(v.num))
	case KindInt32, KindUint32:
		return le.AppendUint32(nil, uint32(v.num))
	case KindInt64, KindUint64:
		return le.AppendUint64(nil, v.num)
	case KindTime:
		buf := le.AppendUint32(nil, uint32(v.t.Unix()))
		return le.AppendUint32(buf, uint32(v.t.Nanosecond()))
	default:
		return nil
	}
}

// Decode parses b as a value of kind k.
func Decode(k Kind, b []byte) (Value, error) {
	le := binary.LittleEndian

	if w := k.width(); w > 0 {
		if len(b) != w {
			return Value{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, k, w, len(b))
		}
	}

	switch k {
	case KindString, KindBytes:
		if len(b) < 4 {
			return Value{}, fmt.Errorf("%w: %s length prefix truncated (%d bytes)", ErrMalformed, k, len(b))
		}
		n := le.Uint32(b)
		if uint64(len(b)-4) != uint64(n) {
			return Value{}, fmt.Errorf("%w: %s declares %d bytes, buffer holds %d", ErrMalformed, k, n, len(b)-4)
		}
		return Value{kind: k, raw: append([]byte(nil), b[4:]...)}, nil
	case KindBool:
		if b[0] > 1 {
			return Value{}, fmt.Errorf("%w: bool byte %d", ErrMalformed, b[0])
		}
		return Value{kind: k, num: uint64(b[0])}, nil
	case KindInt16:
		return Int16(int16(le.Uint16(b))), nil
	case KindUint16:
		return Uint16(le.Uint16(b)), nil
	case KindInt32:
		return Int32(int32(le.Uint32(b))), nil
	case KindUint32:
		return Uint32(le.Uint32(b)), nil
	case KindInt64:
		return Int64(int64(le.Uint64(b))), nil
	case KindUint64:
		return Uint64(le.Uint64(b)), nil
	case KindTime:
		sec := le.Uint32(b)
		nsec := le.Uint32(b[4:])
		if nsec >= uint32(time.Second) {
			return Value{}, fmt.Errorf("%w: nanoseconds %d out of range", ErrMalformed, nsec)
		}
		return Value{kind: k, t: time.Unix(int64(sec), int64(nsec)).UTC()}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, int(k))
	}
}
