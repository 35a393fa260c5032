package db

import (
	"iter"
	"time"

	"github.com/ValentinKolb/dTS/lib/tuple"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// WriteOptions configures a single Write call
type WriteOptions struct {
	// ExpireAfter is the lifetime of the tuple relative to its write time (0 = never expires).
	ExpireAfter time.Duration

	// MimeType is stored with the tuple and returned on reads.
	MimeType string

	// OnCommit is called with a private copy of the committed tuple while the write still
	// holds the entry. Writes to the same (owner,key) therefore call OnCommit in commit order.
	// The hook must not call back into the database.
	OnCommit func(t tuple.Tuple)
}

// ReadOptions configures a single Read call
type ReadOptions struct {
	// AllowWildcardOwner permits an any-owner matcher. The newest matching tuple is returned.
	// Direct reads from clients never set this; it exists for subscription matching.
	AllowWildcardOwner bool

	// ExcludeUnchangedSince hides a tuple whose WriteTS is not after the given time
	// (zero = no filtering). Used for "old value" filtering.
	ExcludeUnchangedSince time.Time
}

type DatabaseInfo struct {
	Entries        int            `json:"entries"`
	DbType         Implementation `json:"db_type"`
	LastWrite      time.Time      `json:"last_write"`
	ExpiredBacklog int            `json:"expired_backlog"` // expired but not yet swept
	Metadata       interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// TupleDB defines the storage of a tuplespace.
// It owns every stored tuple; all values it hands out are private copies.
// Implementations must allow writes to distinct identities to proceed independently
// and must apply a write to one identity atomically.
type TupleDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Write inserts or replaces the tuple at id and returns the stored tuple.
	// The write timestamp is assigned by the database and strictly increases across all writes.
	// An expired tuple is overwritten like any other.
	// Fails with InvalidIdentifier for a malformed id.
	Write(id tuple.ID, data []byte, opts WriteOptions) (t tuple.Tuple, err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Read returns the tuple stored for (owner, key).
	// An expired tuple is reported as NotFound and evicted.
	Read(owner tuple.OwnerMatcher, key string, opts ReadOptions) (t tuple.Tuple, err error)

	// MatchAll returns every live tuple matching the pattern.
	// The sequence is lazy and finite; iterating it again starts a fresh scan.
	MatchAll(pattern tuple.Pattern) iter.Seq[tuple.Tuple]

	// --------------------------------------------------------------------------
	// Metadata
	// --------------------------------------------------------------------------

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close stops background work. The database must not be used afterwards.
	Close() (err error)
}
