package attr

import (
	"fmt"
	"sort"
)

// Key is the single-byte tag naming an attribute. The tag is also the
// xattr name on the object.
type Key byte

// Well-known attribute keys.
const (
	KeyMailboxGUID  Key = 'M'
	KeyMailboxName  Key = 'B'
	KeyGUID         Key = 'G'
	KeyUID          Key = 'U'
	KeyReceived     Key = 'R'
	KeySaveDate     Key = 'S'
	KeyPhysicalSize Key = 'Z'
	KeyVirtualSize  Key = 'V'
	KeyVersion      Key = 'I'
	KeyFromEnvelope Key = 'A'
	KeyPOP3UIDL     Key = 'P'
	KeyPOP3Order    Key = 'O'
	KeyFlags        Key = 'F'
	KeyDeleted      Key = 'D'
)

type keyInfo struct {
	name string
	kind Kind
}

var keyTable = map[Key]keyInfo{
	KeyMailboxGUID:  {"mailbox_guid", KindString},
	KeyMailboxName:  {"mailbox_name", KindString},
	KeyGUID:         {"guid", KindString},
	KeyUID:          {"uid", KindUint32},
	KeyReceived:     {"received", KindTime},
	KeySaveDate:     {"save_date", KindTime},
	KeyPhysicalSize: {"physical_size", KindUint64},
	KeyVirtualSize:  {"virtual_size", KindUint64},
	KeyVersion:      {"version", KindUint16},
	KeyFromEnvelope: {"from_envelope", KindString},
	KeyPOP3UIDL:     {"pop3_uidl", KindString},
	KeyPOP3Order:    {"pop3_order", KindUint32},
	KeyFlags:        {"flags", KindUint16},
	KeyDeleted:      {"deleted", KindBool},
}

// String returns the xattr name of the key.
func (k Key) String() string {
	return string([]byte{byte(k)})
}

// Valid reports whether k is a printable ASCII tag. Other bytes do not
// survive as single-byte xattr names.
func (k Key) Valid() bool {
	return k > ' ' && k < 0x7f
}

// CheckKey returns ErrInvalidKey for tags that are not Valid.
func CheckKey(k Key) error {
	if !k.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidKey, byte(k))
	}
	return nil
}

// Name returns a readable name for well-known keys and the tag otherwise.
func (k Key) Name() string {
	if info, ok := keyTable[k]; ok {
		return info.name
	}
	return k.String()
}

// Kind returns the declared kind of a well-known key. Unknown keys are raw
// bytes.
func (k Key) Kind() Kind {
	if info, ok := keyTable[k]; ok {
		return info.kind
	}
	return KindBytes
}

// Known reports whether k is a well-known key.
func (k Key) Known() bool {
	_, ok := keyTable[k]
	return ok
}

// Keys returns every well-known key in tag order.
func Keys() []Key {
	keys := make([]Key, 0, len(keyTable))
	for k := range keyTable {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// ParseKey accepts a one-character tag or a well-known key name.
func ParseKey(s string) (Key, error) {
	if len(s) == 1 {
		k := Key(s[0])
		if err := CheckKey(k); err != nil {
			return 0, err
		}
		return k, nil
	}
	for k, info := range keyTable {
		if info.name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, s)
}

// DecodeKey decodes b using the declared kind of k.
func DecodeKey(k Key, b []byte) (Value, error) {
	v, err := Decode(k.Kind(), b)
	if err != nil {
		return Value{}, fmt.Errorf("attribute %s: %w", k, err)
	}
	return v, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
