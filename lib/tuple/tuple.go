package tuple

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// ID identifies a stored tuple: the owning peis and the key within its namespace.
type ID struct {
	Owner int
	Key   string
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%s", id.Owner, id.Key)
}

// Validate checks that the id can address a stored tuple.
// Owners must be non-negative and keys must be concrete dotted names.
func (id ID) Validate() error {
	if id.Owner < 0 {
		return NewError(RetCInvalidIdentifier, fmt.Sprintf("owner %d is reserved", id.Owner))
	}
	return ValidateKey(id.Key)
}

// ValidateKey checks that key is a concrete dotted key (no wildcards, no empty segments)
func ValidateKey(key string) error {
	if key == "" {
		return NewError(RetCInvalidIdentifier, "key must not be empty")
	}
	if i := strings.IndexFunc(key, isReservedRune); i >= 0 {
		return NewError(RetCInvalidIdentifier, fmt.Sprintf("key %q contains reserved character %q", key, key[i]))
	}
	for _, segment := range strings.Split(key, ".") {
		if segment == "" {
			return NewError(RetCInvalidIdentifier, fmt.Sprintf("key %q contains an empty segment", key))
		}
	}
	return nil
}

// isReservedRune reports characters that may not appear in a concrete key.
// '*' is the segment wildcard, parentheses and whitespace are used by the meta payload encoding.
func isReservedRune(r rune) bool {
	switch r {
	case '*', '(', ')', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Tuple
// --------------------------------------------------------------------------

// Tuple is a single record of the tuplespace.
//
// A tuple returned by any read is a private copy: mutating it never changes stored state.
type Tuple struct {
	Owner    int       // controlling peis
	Key      string    // dotted key within the owner's namespace
	Data     []byte    // payload; never nil for stored tuples
	MimeType string    // optional content type of Data
	WriteTS  time.Time // assigned by the store on every (re)write
	ExpireTS time.Time // zero means the tuple never expires
}

// ID returns the identity of the tuple.
func (t Tuple) ID() ID {
	return ID{Owner: t.Owner, Key: t.Key}
}

// Len returns the length of the payload
func (t Tuple) Len() int {
	return len(t.Data)
}

// StringData returns the payload as a string
func (t Tuple) StringData() string {
	return string(t.Data)
}

// IsExpired reports whether the tuple is logically absent at the given time.
func (t Tuple) IsExpired(now time.Time) bool {
	return !t.ExpireTS.IsZero() && !now.Before(t.ExpireTS)
}

// Clone returns a deep copy of the tuple
func (t Tuple) Clone() Tuple {
	c := t
	if t.Data != nil {
		c.Data = make([]byte, len(t.Data))
		copy(c.Data, t.Data)
	}
	return c
}

func (t Tuple) String() string {
	expire := "never"
	if !t.ExpireTS.IsZero() {
		expire = t.ExpireTS.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("<%d %s %q len=%d written=%s expires=%s>",
		t.Owner, t.Key, t.Data, len(t.Data), t.WriteTS.Format(time.RFC3339Nano), expire)
}
