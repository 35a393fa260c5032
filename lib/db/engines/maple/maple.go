package maple

import (
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/dTS/lib/db/util"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultGCInterval = 100 * time.Millisecond // Default interval between sweeps
)

var log = logger.GetLogger("maple")

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl implements a tuple database with sharded data
type mapleImpl struct {
	numShards int               // Number of shards
	seed      uint64            // Seed for hash function
	shards    []*internal.Shard // Array of shards
	clock     clock.Clock
	lastStamp atomic.Int64 // last assigned write timestamp (unix nanos)

	// garbage collection
	gcInterval  time.Duration
	gcIsRunning atomic.Bool
	gcDone      sync.WaitGroup
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards  int           // Number of shards (0 = auto)
	GCInterval time.Duration // Time between sweeps (0 = use default)
	Clock      clock.Clock   // Time source (nil = wall clock)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards:  runtime.NumCPU(),  // Auto-determine based on CPU count
		GCInterval: defaultGCInterval, // Default GC interval
		Clock:      clock.New(),
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.TupleDB {

	// Fill in defaults for everything not provided
	defaults := DefaultOptions()
	if opts == nil {
		opts = defaults
	}
	opts = &DBOptions{NumShards: opts.NumShards, GCInterval: opts.GCInterval, Clock: opts.Clock}
	if opts.NumShards <= 0 {
		opts.NumShards = defaults.NumShards
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaults.GCInterval
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}

	// Generate a seed for this mapleImpl instance
	seed := util.GenerateSeed()
	hasher := createIdentityHasher()

	// Create shards
	shards := make([]*internal.Shard, opts.NumShards)
	for i := 0; i < opts.NumShards; i++ {
		shards[i] = internal.NewShard(hasher)
	}

	newDB := &mapleImpl{
		numShards:  opts.NumShards,
		seed:       seed,
		shards:     shards,
		clock:      opts.Clock,
		gcInterval: opts.GCInterval,
	}

	// start garbage collection
	newDB.startGC()

	return newDB
}

// --------------------------------------------------------------------------
// Hash Helper Functions
// --------------------------------------------------------------------------

// shardOf returns the shard responsible for id
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) shardOf(id tuple.ID) *internal.Shard {
	return internal.GetShard(util.HashOwnerKey(id.Owner, id.Key, maple.seed), maple.shards)
}

// createIdentityHasher creates the hash function used inside each shard map
func createIdentityHasher() func(tuple.ID, uint64) uint64 {
	return func(id tuple.ID, mapSeed uint64) uint64 {
		return util.HashOwnerKey(id.Owner, id.Key, mapSeed)
	}
}

// --------------------------------------------------------------------------
// Timestamps
// --------------------------------------------------------------------------

// nextStamp returns a write timestamp strictly greater than every stamp handed out before.
// It follows the clock, but never goes backwards or repeats if the clock stands still.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) nextStamp() int64 {
	now := maple.clock.Now().UnixNano()
	for {
		last := maple.lastStamp.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if maple.lastStamp.CompareAndSwap(last, next) {
			return next
		}
	}
}

// now returns the current time in unix nanos
func (maple *mapleImpl) now() int64 {
	return maple.clock.Now().UnixNano()
}

// --------------------------------------------------------------------------
// TupleDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Write inserts or replaces the tuple at id.
// The stamp is taken while the entry is held, so stamps of one identity follow commit order.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Write(id tuple.ID, data []byte, opts db.WriteOptions) (tuple.Tuple, error) {
	if err := id.Validate(); err != nil {
		return tuple.Tuple{}, err
	}
	if opts.ExpireAfter < 0 {
		return tuple.Tuple{}, tuple.Errorf(tuple.RetCInvalidIdentifier, "negative expiry %s for %s", opts.ExpireAfter, id)
	}

	shard := maple.shardOf(id)

	// Copy value to prevent memory corruption (the stored value is never nil)
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var committed tuple.Tuple

	shard.Data.Compute(id, func(oldEntry internal.Entry, loaded bool) (internal.Entry, bool) {
		entry := internal.Entry{
			Data:     dataCopy,
			MimeType: opts.MimeType,
			WriteTS:  maple.nextStamp(),
		}
		if opts.ExpireAfter > 0 {
			entry.ExpireTS = entry.WriteTS + opts.ExpireAfter.Nanoseconds()
		}

		// events are pushed while the entry is held so the sweeper sees them in commit order
		switch {
		case entry.ExpireTS != 0:
			shard.Events.Push(internal.Event{Type: internal.EventTTrack, Key: id, Deadline: entry.ExpireTS})
		case loaded && oldEntry.ExpireTS != 0:
			shard.Events.Push(internal.Event{Type: internal.EventTUntrack, Key: id})
		}

		committed = entry.ToTuple(id)
		if opts.OnCommit != nil {
			opts.OnCommit(committed.Clone())
		}

		return entry, false // false means don't delete
	})

	return committed, nil
}

// --------------------------------------------------------------------------
// TupleDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Read retrieves the tuple for (owner, key).
// The returned tuple is a copy of the stored data and therefore safe to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Read(owner tuple.OwnerMatcher, key string, opts db.ReadOptions) (tuple.Tuple, error) {
	if err := owner.Validate(); err != nil {
		return tuple.Tuple{}, err
	}
	if err := tuple.ValidateKey(key); err != nil {
		return tuple.Tuple{}, err
	}

	if owner.IsAny() {
		if !opts.AllowWildcardOwner {
			return tuple.Tuple{}, tuple.Errorf(tuple.RetCInvalidIdentifier, "wildcard owner not allowed for reading %q", key)
		}
		return maple.readAnyOwner(key, opts)
	}

	ownerID, _ := owner.Value()
	return maple.readExact(tuple.ID{Owner: ownerID, Key: key}, opts)
}

// readExact looks up a single identity and evicts it if it has expired
func (maple *mapleImpl) readExact(id tuple.ID, opts db.ReadOptions) (tuple.Tuple, error) {
	shard := maple.shardOf(id)
	now := maple.now()

	var (
		result tuple.Tuple
		found  bool
	)

	// Atomic lookup
	shard.Data.Compute(id, func(e internal.Entry, loaded bool) (internal.Entry, bool) {
		// case the key doesn't exist
		if !loaded {
			return e, true // set delete to true because else the value will be created
		}

		// case expired -> evict lazily
		if e.IsExpired(now) {
			shard.Events.Push(internal.Event{Type: internal.EventTUntrack, Key: id})
			return e, true
		}

		// case unchanged since the given time
		if !opts.ExcludeUnchangedSince.IsZero() && e.WriteTS <= opts.ExcludeUnchangedSince.UnixNano() {
			return e, false
		}

		// case valid data -> copy data
		found = true
		result = e.ToTuple(id)
		return e, false
	})

	if !found {
		return tuple.Tuple{}, tuple.Errorf(tuple.RetCNotFound, "no tuple %s", id)
	}
	return result, nil
}

// readAnyOwner returns the newest live tuple with the given key over all owners
func (maple *mapleImpl) readAnyOwner(key string, opts db.ReadOptions) (tuple.Tuple, error) {
	var owners []int
	for _, shard := range maple.shards {
		shard.Data.Range(func(id tuple.ID, _ internal.Entry) bool {
			if id.Key == key {
				owners = append(owners, id.Owner)
			}
			return true
		})
	}

	var (
		newest tuple.Tuple
		found  bool
	)
	for _, owner := range owners {
		t, err := maple.readExact(tuple.ID{Owner: owner, Key: key}, opts)
		if err != nil {
			continue
		}
		if !found || t.WriteTS.After(newest.WriteTS) {
			newest, found = t, true
		}
	}

	if !found {
		return tuple.Tuple{}, tuple.Errorf(tuple.RetCNotFound, "no tuple *:%s", key)
	}
	return newest, nil
}

// MatchAll returns a lazy sequence over all live tuples matching pattern.
// A concrete pattern is a single lookup, everything else scans the shards.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) MatchAll(pattern tuple.Pattern) iter.Seq[tuple.Tuple] {
	return func(yield func(tuple.Tuple) bool) {
		if pattern.Validate() != nil {
			return
		}

		if id, ok := pattern.Concrete(); ok {
			if t, err := maple.readExact(id, db.ReadOptions{}); err == nil {
				yield(t)
			}
			return
		}

		now := maple.now()
		for _, shard := range maple.shards {
			stop := false
			shard.Data.Range(func(id tuple.ID, e internal.Entry) bool {
				if !pattern.Matches(id) || e.IsExpired(now) {
					return true
				}
				if !yield(e.ToTuple(id)) {
					stop = true
					return false
				}
				return true
			})
			if stop {
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// startGC starts one sweeper per shard
// if the GC is already running, this function does nothing
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) startGC() {
	if maple.gcIsRunning.CompareAndSwap(false, true) {
		maple.gcDone.Add(len(maple.shards))
		for _, shard := range maple.shards {
			go maple.sweeper(shard)
		}
	}
}

// stopGC stops the sweepers and waits for them to exit.
// the gc can't be started again after it has been stopped!
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) stopGC() {
	if maple.gcIsRunning.CompareAndSwap(true, false) {
		for _, shard := range maple.shards {
			shard.Events.Close()
		}
		maple.gcDone.Wait()
	}
}

// sweeper is the garbage collection loop of one shard.
// It is the only goroutine touching the expire heap of the shard.
func (maple *mapleImpl) sweeper(shard *internal.Shard) {
	defer maple.gcDone.Done()

	timer := maple.clock.Timer(maple.gcInterval)
	defer timer.Stop()

	for {
		// collect events until the next sweep is due
		endLoop := false
		for !endLoop {
			select {
			case event, ok := <-shard.Events.Recv():
				if !ok {
					return
				}
				switch event.Type {
				case internal.EventTTrack:
					shard.ExpireHeap.AddItem(event.Key, event.Deadline)
				case internal.EventTUntrack:
					shard.ExpireHeap.RemoveByKey(event.Key)
				default:
					log.Errorf("unknown event %s", event)
				}
			case <-timer.C:
				endLoop = true
			}
		}

		/*
			Note: the time is taken once per sweep so that a stream of new writes
			cannot keep the sweep going forever.
		*/
		now := maple.now()
		evicted := 0
		for {
			item, exists := shard.ExpireHeap.Peek()
			if !exists || item.Priority > now {
				break
			}

			shard.Data.Compute(item.Key, func(e internal.Entry, loaded bool) (internal.Entry, bool) {
				if !loaded {
					return e, true
				}
				// the entry may have been rewritten in the meantime (see Note below)
				if !e.IsExpired(now) {
					return e, false
				}
				evicted++
				return internal.Entry{}, true
			})

			/*
				Note: the item is removed even if the entry was not evicted. A rewrite
				with a new deadline has pushed a track event that re-adds it.
			*/
			shard.ExpireHeap.RemoveByKey(item.Key)
		}

		if evicted > 0 {
			log.Debugf("swept %d expired tuples, %d still scheduled", evicted, shard.ExpireHeap.Len())
		}

		timer.Reset(maple.gcInterval)
	}
}

// --------------------------------------------------------------------------
// TupleDB Interface Implementation - Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database.
// Entry counts are exact at the time each shard is visited, not a consistent cut.
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	now := maple.now()

	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		entries        int
		expiredBacklog int
		shardSizes     = make([]int, len(maple.shards))
	)

	// concurrently count all shards
	wg.Add(len(maple.shards))
	for shardIndex, shard := range maple.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()

			count, expired := 0, 0
			s.Data.Range(func(_ tuple.ID, e internal.Entry) bool {
				count++
				if e.IsExpired(now) {
					expired++
				}
				return true
			})

			mu.Lock()
			defer mu.Unlock()
			entries += count
			expiredBacklog += expired
			shardSizes[i] = count
		}(shardIndex, shard)
	}
	wg.Wait()

	meta := &struct {
		ShardCount int   `json:"shard_count"`
		ShardSizes []int `json:"shard_sizes"`
		GCRunning  bool  `json:"gc_running"`
	}{
		ShardCount: len(maple.shards),
		ShardSizes: shardSizes,
		GCRunning:  maple.gcIsRunning.Load(),
	}

	var lastWrite time.Time
	if stamp := maple.lastStamp.Load(); stamp != 0 {
		lastWrite = time.Unix(0, stamp)
	}

	return db.DatabaseInfo{
		Entries:        entries - expiredBacklog,
		DbType:         db.ImplMaple,
		LastWrite:      lastWrite,
		ExpiredBacklog: expiredBacklog,
		Metadata:       meta,
	}
}

// Close stops the garbage collector
func (maple *mapleImpl) Close() error {
	maple.stopGC()
	return nil
}
