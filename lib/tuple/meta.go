package tuple

import (
	"fmt"
	"strconv"
	"strings"
)

// Meta tuple payloads reference another tuple: "(META <owner> <key>)".
// A declared meta tuple that does not point anywhere yet holds UnboundMeta.
const (
	UnboundMeta  = "()"
	MetaMimeType = "application/x-peis-meta"
	metaPrefix   = "(META "
)

// EncodeMeta builds the payload of a meta tuple pointing to target
func EncodeMeta(target ID) []byte {
	return []byte(metaPrefix + strconv.Itoa(target.Owner) + " " + target.Key + ")")
}

// DecodeMeta parses a meta tuple payload.
// bound is false for the unbound sentinel. A payload that is not a meta reference
// yields an InvalidIdentifier error.
func DecodeMeta(data []byte) (target ID, bound bool, err error) {
	s := strings.TrimSpace(string(data))
	if s == UnboundMeta {
		return ID{}, false, nil
	}

	if !strings.HasPrefix(s, metaPrefix) || !strings.HasSuffix(s, ")") {
		return ID{}, false, Errorf(RetCInvalidIdentifier, "payload %q is not a meta reference", s)
	}

	fields := strings.Fields(s[len(metaPrefix) : len(s)-1])
	if len(fields) != 2 {
		return ID{}, false, Errorf(RetCInvalidIdentifier, "payload %q is not a meta reference", s)
	}

	owner, err := strconv.Atoi(fields[0])
	if err != nil {
		return ID{}, false, Errorf(RetCInvalidIdentifier, "meta reference %q has invalid owner", s)
	}

	target = ID{Owner: owner, Key: fields[1]}
	if err := target.Validate(); err != nil {
		return ID{}, false, fmt.Errorf("meta reference %q: %w", s, err)
	}
	return target, true, nil
}

// IsMetaPayload reports whether data is a meta reference or the unbound sentinel
func IsMetaPayload(data []byte) bool {
	_, _, err := DecodeMeta(data)
	return err == nil
}
