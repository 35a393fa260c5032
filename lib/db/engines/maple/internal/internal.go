package internal

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dTS/lib/db/util"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Event Types are used to signal expiry changes to the sweeper of a shard
// --------------------------------------------------------------------------

type EventType int

const (
	EventTTrack   EventType = iota // entry got a deadline (or a new one)
	EventTUntrack                  // entry was removed or no longer expires
)

func (e EventType) String() string {
	switch e {
	case EventTTrack:
		return "Track"
	case EventTUntrack:
		return "Untrack"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type     EventType
	Key      tuple.ID
	Deadline int64 // unix nanos, only set for EventTTrack
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Key: %s, Deadline: %d}", e.Type, e.Key, e.Deadline)
}

// --------------------------------------------------------------------------
// Entry Type (stored tuple without its identity)
// --------------------------------------------------------------------------

// Entry stores the payload of a tuple with its timestamps
type Entry struct {
	Data     []byte
	MimeType string
	WriteTS  int64 // unix nanos, strictly increasing per database
	ExpireTS int64 // unix nanos, 0 = never
}

// IsExpired returns whether the entry is logically absent at now (unix nanos)
func (e Entry) IsExpired(now int64) bool {
	return e.ExpireTS != 0 && now >= e.ExpireTS
}

// ToTuple returns a private copy of the entry as a tuple
func (e Entry) ToTuple(id tuple.ID) tuple.Tuple {
	data := make([]byte, len(e.Data))
	copy(data, e.Data)

	t := tuple.Tuple{
		Owner:    id.Owner,
		Key:      id.Key,
		Data:     data,
		MimeType: e.MimeType,
		WriteTS:  time.Unix(0, e.WriteTS),
	}
	if e.ExpireTS != 0 {
		t.ExpireTS = time.Unix(0, e.ExpireTS)
	}
	return t
}

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the database.
// The expire heap is owned by the sweeper goroutine of the shard and never shared.
type Shard struct {
	Data       *xsync.MapOf[tuple.ID, Entry]
	ExpireHeap *util.MapHeap[tuple.ID]
	Events     *util.LockFreeMPSC[Event] // closed to stop the sweeper of this shard
}

// NewShard creates a new shard with the provided hash function
func NewShard(hasher func(tuple.ID, uint64) uint64) *Shard {
	return &Shard{
		Data:       xsync.NewMapOfWithHasher[tuple.ID, Entry](hasher),
		ExpireHeap: util.NewMapHeap[tuple.ID](),
		Events:     util.NewLockFreeMPSC[Event](),
	}
}

// GetShard returns the appropriate shard for a given hash
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](hash uint64, shards []*T) *T {
	return shards[util.ShardIndex(hash, len(shards))]
}
