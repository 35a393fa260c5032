package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/db"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/benbjohnson/clock"
)

// RunTupleDBBenchmarks runs all benchmarks for a tuple database implementation
func RunTupleDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Write", func(b *testing.B) {
		benchmarkWrite(b, factory(clock.New()))
	})

	b.Run("WriteExisting", func(b *testing.B) {
		benchmarkWriteExisting(b, factory(clock.New()))
	})

	b.Run("WriteWithExpiry", func(b *testing.B) {
		benchmarkWriteWithExpiry(b, factory(clock.New()))
	})

	b.Run("Read", func(b *testing.B) {
		benchmarkRead(b, factory(clock.New()))
	})

	b.Run("Read(not)", func(b *testing.B) {
		benchmarkReadNot(b, factory(clock.New()))
	})

	b.Run("MatchAll", func(b *testing.B) {
		benchmarkMatchAll(b, factory(clock.New()))
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory(clock.New()))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkWrite(b *testing.B, database db.TupleDB) {
	defer database.Close()

	value := []byte("benchmark-value")
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			id := tuple.ID{Owner: int(i % 16), Key: fmt.Sprintf("key.%d", i)}
			_, _ = database.Write(id, value, db.WriteOptions{})
		}
	})
}

func benchmarkWriteExisting(b *testing.B, database db.TupleDB) {
	defer database.Close()

	const keyCount = 1000
	value := []byte("benchmark-value")
	ids := make([]tuple.ID, keyCount)
	for i := range ids {
		ids[i] = tuple.ID{Owner: i % 16, Key: fmt.Sprintf("key.%d", i)}
		_, _ = database.Write(ids[i], value, db.WriteOptions{})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			_, _ = database.Write(ids[r.Intn(keyCount)], value, db.WriteOptions{})
		}
	})
}

func benchmarkWriteWithExpiry(b *testing.B, database db.TupleDB) {
	defer database.Close()

	value := []byte("benchmark-value")
	opts := db.WriteOptions{ExpireAfter: time.Minute}
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_, _ = database.Write(tuple.ID{Owner: 1, Key: fmt.Sprintf("key.%d", i)}, value, opts)
		}
	})
}

func benchmarkRead(b *testing.B, database db.TupleDB) {
	defer database.Close()

	const keyCount = 1000
	keys := make([]string, keyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("key.%d", i)
		_, _ = database.Write(tuple.ID{Owner: 1, Key: keys[i]}, []byte("benchmark-value"), db.WriteOptions{})
	}

	owner := tuple.Owner(1)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			_, _ = database.Read(owner, keys[r.Intn(keyCount)], db.ReadOptions{})
		}
	})
}

func benchmarkReadNot(b *testing.B, database db.TupleDB) {
	defer database.Close()

	owner := tuple.Owner(1)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = database.Read(owner, "missing", db.ReadOptions{})
		}
	})
}

func benchmarkMatchAll(b *testing.B, database db.TupleDB) {
	defer database.Close()

	for i := 0; i < 1000; i++ {
		_, _ = database.Write(tuple.ID{Owner: i % 10, Key: fmt.Sprintf("sensor.%d.value", i)}, []byte("x"), db.WriteOptions{})
	}
	pattern, _ := tuple.ParsePattern("3:sensor.*.value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for range database.MatchAll(pattern) {
		}
	}
}

func benchmarkMixedUsage(b *testing.B, database db.TupleDB) {
	defer database.Close()

	const keyCount = 1000
	ids := make([]tuple.ID, keyCount)
	for i := range ids {
		ids[i] = tuple.ID{Owner: i % 8, Key: fmt.Sprintf("key.%d", i)}
		_, _ = database.Write(ids[i], []byte("initial"), db.WriteOptions{})
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			id := ids[r.Intn(keyCount)]
			// 80% reads, 20% writes
			if r.Intn(100) < 80 {
				_, _ = database.Read(tuple.Owner(id.Owner), id.Key, db.ReadOptions{})
			} else {
				_, _ = database.Write(id, []byte("updated"), db.WriteOptions{ExpireAfter: time.Minute})
			}
		}
	})
}
