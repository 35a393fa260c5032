package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/benbjohnson/clock"
)

// DBFactory is a function that creates a new instance of a TupleDB implementation
// driven by the given clock
type DBFactory func(clk clock.Clock) db.TupleDB

// RunTupleDBTests runs a comprehensive test suite for a TupleDB implementation.
func RunTupleDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Write&Read", func(t *testing.T) {
			testWriteRead(t, factory(clock.New()))
		})

		t.Run("InvalidIdentifiers", func(t *testing.T) {
			testInvalidIdentifiers(t, factory(clock.New()))
		})

		t.Run("MonotonicTimestamps", func(t *testing.T) {
			testMonotonicTimestamps(t, factory(clock.NewMock()))
		})

		t.Run("Expiry", func(t *testing.T) {
			clk := clock.NewMock()
			testExpiry(t, factory(clk), clk)
		})

		t.Run("Sweep", func(t *testing.T) {
			clk := clock.NewMock()
			testSweep(t, factory(clk), clk)
		})

		t.Run("ExcludeUnchanged", func(t *testing.T) {
			testExcludeUnchanged(t, factory(clock.New()))
		})

		t.Run("WildcardOwner", func(t *testing.T) {
			testWildcardOwner(t, factory(clock.New()))
		})

		t.Run("MatchAll", func(t *testing.T) {
			clk := clock.NewMock()
			testMatchAll(t, factory(clk), clk)
		})

		t.Run("CommitOrder", func(t *testing.T) {
			testCommitOrder(t, factory(clock.New()))
		})

		t.Run("AtomicReplace", func(t *testing.T) {
			testAtomicReplace(t, factory(clock.New()))
		})

		t.Run("ConcurrentDistinctKeys", func(t *testing.T) {
			testConcurrentDistinctKeys(t, factory(clock.New()))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func read(database db.TupleDB, owner int, key string) (tuple.Tuple, error) {
	return database.Read(tuple.Owner(owner), key, db.ReadOptions{})
}

func write(t testing.TB, database db.TupleDB, owner int, key string, value string) tuple.Tuple {
	t.Helper()
	stored, err := database.Write(tuple.ID{Owner: owner, Key: key}, []byte(value), db.WriteOptions{})
	if err != nil {
		t.Fatalf("Write %d:%s failed: %v", owner, key, err)
	}
	return stored
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testWriteRead(t *testing.T, database db.TupleDB) {
	defer database.Close()

	stored, err := database.Write(tuple.ID{Owner: 1, Key: "robot.pos"}, []byte("1,2"), db.WriteOptions{MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if stored.WriteTS.IsZero() {
		t.Errorf("Write should assign a write timestamp")
	}

	result, err := read(database, 1, "robot.pos")
	if err != nil {
		t.Fatalf("Expected tuple to exist after Write: %v", err)
	}
	if !bytes.Equal(result.Data, []byte("1,2")) || result.Len() != 3 {
		t.Errorf("Expected payload 1,2 with length 3, got %q with length %d", result.Data, result.Len())
	}
	if result.MimeType != "text/plain" {
		t.Errorf("Expected mime type text/plain, got %q", result.MimeType)
	}
	if !result.WriteTS.Equal(stored.WriteTS) {
		t.Errorf("Read write timestamp %v differs from Write result %v", result.WriteTS, stored.WriteTS)
	}

	// readers get copies
	result.Data[0] = 'X'
	again, _ := read(database, 1, "robot.pos")
	if again.Data[0] != '1' {
		t.Errorf("Read should return a copy, not a reference to the stored value")
	}

	// replace
	write(t, database, 1, "robot.pos", "3,4")
	result, err = read(database, 1, "robot.pos")
	if err != nil || string(result.Data) != "3,4" {
		t.Errorf("Expected replaced value 3,4, got %q (%v)", result.Data, err)
	}

	// empty payloads are stored as empty, not nil
	write(t, database, 1, "empty", "")
	result, err = read(database, 1, "empty")
	if err != nil || result.Data == nil || result.Len() != 0 {
		t.Errorf("Expected empty non-nil payload, got %v (%v)", result.Data, err)
	}

	// owners are separate namespaces
	if _, err := read(database, 2, "robot.pos"); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected NotFound for other owner, got %v", err)
	}
	if _, err := read(database, 1, "nonexistent"); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected NotFound for nonexistent key, got %v", err)
	}
}

func testInvalidIdentifiers(t *testing.T, database db.TupleDB) {
	defer database.Close()

	invalid := []tuple.ID{
		{Owner: 1, Key: ""},
		{Owner: 1, Key: "a..b"},
		{Owner: 1, Key: "a.*"},
		{Owner: 1, Key: "with space"},
		{Owner: 1, Key: "(META"},
		{Owner: -1, Key: "a"},
	}

	for _, id := range invalid {
		if _, err := database.Write(id, []byte("x"), db.WriteOptions{}); !errors.Is(err, tuple.ErrInvalidIdentifier) {
			t.Errorf("Write %v: expected InvalidIdentifier, got %v", id, err)
		}
	}

	if _, err := database.Write(tuple.ID{Owner: 1, Key: "a"}, nil, db.WriteOptions{ExpireAfter: -time.Second}); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Write with negative expiry: expected InvalidIdentifier, got %v", err)
	}

	if _, err := database.Read(tuple.AnyOwner(), "a", db.ReadOptions{}); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Wildcard read without permission: expected InvalidIdentifier, got %v", err)
	}
	if _, err := read(database, 1, "a.*"); !errors.Is(err, tuple.ErrInvalidIdentifier) {
		t.Errorf("Read of a key pattern: expected InvalidIdentifier, got %v", err)
	}
}

func testMonotonicTimestamps(t *testing.T, database db.TupleDB) {
	defer database.Close()

	// the mock clock stands still, stamps must still increase
	var last time.Time
	for i := 0; i < 100; i++ {
		stored := write(t, database, i%3, "k", fmt.Sprintf("v%d", i))
		if !stored.WriteTS.After(last) {
			t.Fatalf("Write %d: timestamp %v not after %v", i, stored.WriteTS, last)
		}
		last = stored.WriteTS
	}

	if info := database.GetInfo(); !info.LastWrite.Equal(last) {
		t.Errorf("Expected LastWrite %v, got %v", last, info.LastWrite)
	}
}

func testExpiry(t *testing.T, database db.TupleDB, clk *clock.Mock) {
	defer database.Close()

	ttl := 5 * time.Second
	id := tuple.ID{Owner: 1, Key: "temp"}

	stored, err := database.Write(id, []byte("hot"), db.WriteOptions{ExpireAfter: ttl})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if want := stored.WriteTS.Add(ttl); !stored.ExpireTS.Equal(want) {
		t.Errorf("Expected ExpireTS %v, got %v", want, stored.ExpireTS)
	}

	clk.Add(ttl / 2)
	if _, err := read(database, 1, "temp"); err != nil {
		t.Errorf("Tuple should be readable before its deadline: %v", err)
	}

	// stamps run at most a few nanoseconds ahead of the mock clock
	clk.Add(ttl/2 + time.Millisecond)
	if _, err := read(database, 1, "temp"); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected NotFound after expiry, got %v", err)
	}

	// expired tuples are absent from scans too
	for match := range database.MatchAll(tuple.Pattern{Owner: tuple.AnyOwner(), Key: tuple.AnyKey()}) {
		t.Errorf("Expired tuple returned by MatchAll: %v", match)
	}

	// an expired tuple is overwritten normally
	write(t, database, 1, "temp", "cold")
	result, err := read(database, 1, "temp")
	if err != nil || string(result.Data) != "cold" || !result.ExpireTS.IsZero() {
		t.Errorf("Expected rewritten non-expiring tuple, got %v (%v)", result, err)
	}

	// rewriting without expiry removes the deadline
	if _, err := database.Write(id, []byte("x"), db.WriteOptions{ExpireAfter: time.Second}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	write(t, database, 1, "temp", "forever")
	// past the dropped deadline; keep mock advances short, each sweeper tick in between runs
	clk.Add(2 * time.Second)
	if _, err := read(database, 1, "temp"); err != nil {
		t.Errorf("Rewrite without expiry should never expire: %v", err)
	}
}

func testSweep(t *testing.T, database db.TupleDB, clk *clock.Mock) {
	defer database.Close()

	const count = 200
	for i := 0; i < count; i++ {
		if _, err := database.Write(tuple.ID{Owner: i % 7, Key: fmt.Sprintf("sweep.%d", i)}, []byte("x"), db.WriteOptions{ExpireAfter: time.Second}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	write(t, database, 1, "keep", "x")

	if info := database.GetInfo(); info.Entries != count+1 {
		t.Fatalf("Expected %d entries, got %d", count+1, info.Entries)
	}

	clk.Add(2 * time.Second)

	// advance the mock clock until the sweepers have run (no reads involved)
	deadline := time.Now().Add(5 * time.Second)
	for {
		info := database.GetInfo()
		if info.ExpiredBacklog == 0 && info.Entries == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sweep did not finish: %d entries, %d expired backlog", info.Entries, info.ExpiredBacklog)
		}
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := read(database, 1, "keep"); err != nil {
		t.Errorf("Non-expiring tuple was swept: %v", err)
	}
}

func testExcludeUnchanged(t *testing.T, database db.TupleDB) {
	defer database.Close()

	first := write(t, database, 1, "status", "a")

	if _, err := database.Read(tuple.Owner(1), "status", db.ReadOptions{ExcludeUnchangedSince: first.WriteTS}); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected unchanged tuple to be filtered, got %v", err)
	}

	second := write(t, database, 1, "status", "b")
	result, err := database.Read(tuple.Owner(1), "status", db.ReadOptions{ExcludeUnchangedSince: first.WriteTS})
	if err != nil || !result.WriteTS.Equal(second.WriteTS) {
		t.Errorf("Expected changed tuple to pass the filter, got %v (%v)", result, err)
	}
}

func testWildcardOwner(t *testing.T, database db.TupleDB) {
	defer database.Close()

	allow := db.ReadOptions{AllowWildcardOwner: true}

	if _, err := database.Read(tuple.AnyOwner(), "RFIDTags", allow); !errors.Is(err, tuple.ErrNotFound) {
		t.Errorf("Expected NotFound for empty wildcard read, got %v", err)
	}

	write(t, database, 5, "RFIDTags", "a")
	write(t, database, 7, "RFIDTags", "b")
	write(t, database, 3, "other", "c")

	result, err := database.Read(tuple.AnyOwner(), "RFIDTags", allow)
	if err != nil {
		t.Fatalf("Wildcard read failed: %v", err)
	}
	if result.Owner != 7 || string(result.Data) != "b" {
		t.Errorf("Expected newest tuple from owner 7, got %v", result)
	}

	write(t, database, 5, "RFIDTags", "c")
	result, _ = database.Read(tuple.AnyOwner(), "RFIDTags", allow)
	if result.Owner != 5 {
		t.Errorf("Expected newest tuple from owner 5, got %v", result)
	}
}

func testMatchAll(t *testing.T, database db.TupleDB, clk *clock.Mock) {
	defer database.Close()

	write(t, database, 1, "robot.arm.pos", "a")
	write(t, database, 1, "robot.leg.pos", "b")
	write(t, database, 2, "robot.arm.pos", "c")
	write(t, database, 2, "robot.arm.vel", "d")
	write(t, database, 3, "robot.pos", "e")
	if _, err := database.Write(tuple.ID{Owner: 3, Key: "robot.head.pos"}, []byte("f"), db.WriteOptions{ExpireAfter: time.Second}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	clk.Add(2 * time.Second)

	count := func(pattern string) int {
		p, err := tuple.ParsePattern(pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", pattern, err)
		}
		n := 0
		for match := range database.MatchAll(p) {
			if !p.Matches(match.ID()) {
				t.Errorf("MatchAll(%s) returned non matching %v", pattern, match)
			}
			n++
		}
		return n
	}

	tests := []struct {
		pattern  string
		expected int
	}{
		{"*:*", 5},
		{"1:*", 2},
		{"*:robot.arm.pos", 2},
		{"*:robot.*.pos", 3}, // the expired head is not returned
		{"2:robot.arm.*", 2},
		{"1:robot.arm.pos", 1},
		{"9:robot.arm.pos", 0},
		{"*:robot.*", 1},
	}

	for _, tt := range tests {
		if got := count(tt.pattern); got != tt.expected {
			t.Errorf("MatchAll(%s): expected %d matches, got %d", tt.pattern, tt.expected, got)
		}
	}

	// restartable: a second iteration sees later writes
	p := tuple.Pattern{Owner: tuple.Owner(4), Key: tuple.AnyKey()}
	seq := database.MatchAll(p)
	for range seq {
		t.Errorf("Expected no tuples for owner 4")
	}
	write(t, database, 4, "x", "y")
	n := 0
	for range seq {
		n++
	}
	if n != 1 {
		t.Errorf("Expected second iteration to find 1 tuple, got %d", n)
	}

	// early stop
	n = 0
	for range database.MatchAll(tuple.Pattern{Owner: tuple.AnyOwner(), Key: tuple.AnyKey()}) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("Expected to stop after 1 tuple, got %d", n)
	}
}

func testCommitOrder(t *testing.T, database db.TupleDB) {
	defer database.Close()

	const writers = 8
	const writesPerWriter = 200

	var (
		mu        sync.Mutex
		committed []tuple.Tuple
		wg        sync.WaitGroup
	)

	opts := db.WriteOptions{OnCommit: func(c tuple.Tuple) {
		// runs while the entry is held, the slice sees commits in order
		mu.Lock()
		committed = append(committed, c)
		mu.Unlock()
	}}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writesPerWriter; i++ {
				if _, err := database.Write(tuple.ID{Owner: 1, Key: "shared"}, []byte(fmt.Sprintf("%d-%d", w, i)), opts); err != nil {
					t.Errorf("Write failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if len(committed) != writers*writesPerWriter {
		t.Fatalf("Expected %d commits, got %d", writers*writesPerWriter, len(committed))
	}
	for i := 1; i < len(committed); i++ {
		if !committed[i].WriteTS.After(committed[i-1].WriteTS) {
			t.Fatalf("Commit %d has timestamp %v not after %v", i, committed[i].WriteTS, committed[i-1].WriteTS)
		}
	}

	last := committed[len(committed)-1]
	result, err := read(database, 1, "shared")
	if err != nil || !bytes.Equal(result.Data, last.Data) {
		t.Errorf("Expected last committed value %q, got %q (%v)", last.Data, result.Data, err)
	}
}

func testAtomicReplace(t *testing.T, database db.TupleDB) {
	defer database.Close()

	id := tuple.ID{Owner: 1, Key: "pair"}
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// data and mime type always change together
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				v := fmt.Sprintf("%d-%d", w, i)
				if _, err := database.Write(id, []byte(v), db.WriteOptions{MimeType: v}); err != nil {
					t.Errorf("Write failed: %v", err)
					return
				}
			}
		}(w)
	}

	var lastTS time.Time
	for i := 0; i < 5000; i++ {
		result, err := read(database, 1, "pair")
		if errors.Is(err, tuple.ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(result.Data) != result.MimeType {
			t.Fatalf("Observed a partially updated tuple: data %q, mime type %q", result.Data, result.MimeType)
		}
		if result.WriteTS.Before(lastTS) {
			t.Fatalf("Observed timestamp %v after %v", result.WriteTS, lastTS)
		}
		lastTS = result.WriteTS
	}

	close(stop)
	wg.Wait()
}

func testConcurrentDistinctKeys(t *testing.T, database db.TupleDB) {
	defer database.Close()

	const goroutines = 16
	const keysPerGoroutine = 250

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < keysPerGoroutine; i++ {
				key := fmt.Sprintf("g%d.k%d", g, i)
				if _, err := database.Write(tuple.ID{Owner: g, Key: key}, []byte(key), db.WriteOptions{}); err != nil {
					t.Errorf("Write failed: %v", err)
				}
				result, err := read(database, g, key)
				if err != nil || string(result.Data) != key {
					t.Errorf("Expected %q, got %q (%v)", key, result.Data, err)
				}
			}
		}(g)
	}
	wg.Wait()

	if info := database.GetInfo(); info.Entries != goroutines*keysPerGoroutine {
		t.Errorf("Expected %d entries, got %d", goroutines*keysPerGoroutine, info.Entries)
	}
}
