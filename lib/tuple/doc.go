// Package tuple defines the record shape of the tuplespace and the vocabulary
// shared by all other packages: identities, matchers, meta references and errors.
//
// Key Components:
//
//   - Tuple: a (owner, key) -> payload record with a write timestamp and an
//     optional expiry timestamp. Tuples handed out by the store are copies.
//
//   - ID: the identity (owner, key) of a stored tuple. Owners are non-negative
//     integers (peis ids), keys are dotted names such as "robot.arm.pose".
//
//   - OwnerMatcher, KeyMatcher, Pattern: match a concrete identity or use an
//     explicit "any" variant. Key patterns may contain "*" segments which match
//     exactly one segment ("robot.*.pose"). There are no sentinel values: an
//     unset matcher is invalid, a wildcard is always explicit.
//
//   - Meta references: a meta tuple is an ordinary tuple whose payload is
//     "(META <owner> <key>)", or "()" while it is declared but unbound.
//     EncodeMeta and DecodeMeta convert between IDs and payloads.
//
//   - Error: typed errors with a RetCode. Use errors.Is with the Err* sentinels
//     (ErrNotFound, ErrUnbound, ...) to test for a specific failure.
package tuple
