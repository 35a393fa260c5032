package tuple

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard is the textual form of "match any" for owners and key segments.
const Wildcard = "*"

// --------------------------------------------------------------------------
// Owner Matcher
// --------------------------------------------------------------------------

// OwnerMatcher matches either one concrete owner or any owner.
// The zero value is not valid; use Owner or AnyOwner.
type OwnerMatcher struct {
	id  int
	any bool
	set bool
}

// Owner returns a matcher for exactly one owner
func Owner(id int) OwnerMatcher {
	return OwnerMatcher{id: id, set: true}
}

// AnyOwner returns a matcher that accepts every owner
func AnyOwner() OwnerMatcher {
	return OwnerMatcher{any: true, set: true}
}

// IsAny reports whether the matcher accepts every owner
func (m OwnerMatcher) IsAny() bool { return m.any }

// Value returns the concrete owner. ok is false for the wildcard.
func (m OwnerMatcher) Value() (id int, ok bool) {
	return m.id, m.set && !m.any
}

// Matches reports whether owner is accepted
func (m OwnerMatcher) Matches(owner int) bool {
	return m.any || (m.set && m.id == owner)
}

// Validate rejects the zero value and reserved owners
func (m OwnerMatcher) Validate() error {
	if !m.set {
		return NewError(RetCInvalidIdentifier, "owner matcher is not set")
	}
	if !m.any && m.id < 0 {
		return NewError(RetCInvalidIdentifier, fmt.Sprintf("owner %d is reserved", m.id))
	}
	return nil
}

func (m OwnerMatcher) String() string {
	if m.any {
		return Wildcard
	}
	return strconv.Itoa(m.id)
}

// --------------------------------------------------------------------------
// Key Matcher
// --------------------------------------------------------------------------

// KeyMatcher matches keys either exactly, segment-wise with "*" segments, or any key at all.
type KeyMatcher struct {
	raw      string
	segments []string // nil for the any-key matcher
	any      bool
	wildcard bool // at least one "*" segment
}

// Key returns a matcher for exactly one concrete key.
// Invalid keys are reported by Validate.
func Key(key string) KeyMatcher {
	return KeyMatcher{raw: key, segments: strings.Split(key, ".")}
}

// AnyKey returns a matcher that accepts every key
func AnyKey() KeyMatcher {
	return KeyMatcher{raw: Wildcard, any: true}
}

// KeyPattern parses a dotted key pattern where a "*" segment matches exactly one segment.
// The pattern "*" alone matches every key.
func KeyPattern(pattern string) (KeyMatcher, error) {
	if pattern == Wildcard {
		return AnyKey(), nil
	}
	if pattern == "" {
		return KeyMatcher{}, NewError(RetCInvalidIdentifier, "key pattern must not be empty")
	}

	m := KeyMatcher{raw: pattern, segments: strings.Split(pattern, ".")}
	for _, segment := range m.segments {
		switch {
		case segment == Wildcard:
			m.wildcard = true
		case segment == "":
			return KeyMatcher{}, NewError(RetCInvalidIdentifier, fmt.Sprintf("key pattern %q contains an empty segment", pattern))
		case strings.IndexFunc(segment, isReservedRune) >= 0:
			return KeyMatcher{}, NewError(RetCInvalidIdentifier, fmt.Sprintf("key pattern %q contains a reserved character", pattern))
		}
	}
	return m, nil
}

// IsAny reports whether the matcher accepts every key
func (m KeyMatcher) IsAny() bool { return m.any }

// IsConcrete reports whether the matcher accepts exactly one key
func (m KeyMatcher) IsConcrete() bool { return !m.any && !m.wildcard }

// Value returns the concrete key. ok is false for wildcard matchers.
func (m KeyMatcher) Value() (key string, ok bool) {
	return m.raw, m.IsConcrete()
}

// Matches reports whether key is accepted
func (m KeyMatcher) Matches(key string) bool {
	if m.any {
		return true
	}
	if !m.wildcard {
		return m.raw == key
	}

	// segment-wise comparison without allocating
	rest := key
	for i, segment := range m.segments {
		var part string
		if idx := strings.IndexByte(rest, '.'); idx >= 0 {
			if i == len(m.segments)-1 {
				return false // key has more segments than the pattern
			}
			part, rest = rest[:idx], rest[idx+1:]
		} else {
			if i != len(m.segments)-1 {
				return false // key has fewer segments than the pattern
			}
			part, rest = rest, ""
		}
		if segment != Wildcard && segment != part {
			return false
		}
		if part == "" {
			return false
		}
	}
	return true
}

// Validate rejects the zero value and malformed concrete keys
func (m KeyMatcher) Validate() error {
	if m.any || m.wildcard {
		return nil
	}
	return ValidateKey(m.raw)
}

func (m KeyMatcher) String() string {
	return m.raw
}

// --------------------------------------------------------------------------
// Pattern
// --------------------------------------------------------------------------

// Pattern is the combination of an owner matcher and a key matcher
type Pattern struct {
	Owner OwnerMatcher
	Key   KeyMatcher
}

// Exact returns the pattern matching only id
func Exact(id ID) Pattern {
	return Pattern{Owner: Owner(id.Owner), Key: Key(id.Key)}
}

// Matches reports whether the identity satisfies the pattern
func (p Pattern) Matches(id ID) bool {
	return p.Owner.Matches(id.Owner) && p.Key.Matches(id.Key)
}

// Concrete returns the single identity matched by the pattern, if any
func (p Pattern) Concrete() (ID, bool) {
	owner, ownerOk := p.Owner.Value()
	key, keyOk := p.Key.Value()
	return ID{Owner: owner, Key: key}, ownerOk && keyOk
}

// Validate validates both matchers
func (p Pattern) Validate() error {
	if err := p.Owner.Validate(); err != nil {
		return err
	}
	return p.Key.Validate()
}

func (p Pattern) String() string {
	return p.Owner.String() + ":" + p.Key.String()
}

// ParsePattern parses the textual form "<owner>:<key pattern>" where owner may be "*".
func ParsePattern(s string) (Pattern, error) {
	ownerPart, keyPart, found := strings.Cut(s, ":")
	if !found {
		return Pattern{}, NewError(RetCInvalidIdentifier, fmt.Sprintf("pattern %q: expected <owner>:<key>", s))
	}

	var owner OwnerMatcher
	if ownerPart == Wildcard {
		owner = AnyOwner()
	} else {
		id, err := strconv.Atoi(ownerPart)
		if err != nil {
			return Pattern{}, NewError(RetCInvalidIdentifier, fmt.Sprintf("pattern %q: invalid owner %q", s, ownerPart))
		}
		owner = Owner(id)
	}

	key, err := KeyPattern(keyPart)
	if err != nil {
		return Pattern{}, err
	}

	p := Pattern{Owner: owner, Key: key}
	return p, p.Validate()
}
