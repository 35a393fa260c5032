package engine

import (
	"time"

	"github.com/ValentinKolb/dTS/lib/db"
)

// WriteOption configures a single write
type WriteOption func(*db.WriteOptions)

// WithExpiry lets the tuple expire d after it was written (0 = never)
func WithExpiry(d time.Duration) WriteOption {
	return func(o *db.WriteOptions) {
		o.ExpireAfter = d
	}
}

// WithMimeType stores the content type of the payload with the tuple
func WithMimeType(mimeType string) WriteOption {
	return func(o *db.WriteOptions) {
		o.MimeType = mimeType
	}
}

func writeOptions(opts []WriteOption) db.WriteOptions {
	var o db.WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ReadOption configures a single read
type ReadOption func(*db.ReadOptions)

// ChangedSince hides a tuple that was not written after since.
// Such a read fails with NotFound, which lets a poller skip values it already saw.
func ChangedSince(since time.Time) ReadOption {
	return func(o *db.ReadOptions) {
		o.ExcludeUnchangedSince = since
	}
}

func readOptions(opts []ReadOption) db.ReadOptions {
	var o db.ReadOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RegisterOption configures a callback registration
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replay bool
}

// WithReplay delivers the currently stored matches right after registering.
// For meta callbacks this is the current value of the target, if bound.
func WithReplay() RegisterOption {
	return func(o *registerOptions) {
		o.replay = true
	}
}

func registerOpts(opts []RegisterOption) registerOptions {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
