package maple

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/db"
	dbtesting "github.com/ValentinKolb/dTS/lib/db/testing"
	"github.com/benbjohnson/clock"
)

func Test(t *testing.T) {
	dbtesting.RunTupleDBTests(t, "MapleDB", func(clk clock.Clock) db.TupleDB {
		return NewMapleDB(&DBOptions{NumShards: 4, GCInterval: 50 * time.Millisecond, Clock: clk})
	})
}

func TestSingleShard(t *testing.T) {
	dbtesting.RunTupleDBTests(t, "MapleDB(1 shard)", func(clk clock.Clock) db.TupleDB {
		return NewMapleDB(&DBOptions{NumShards: 1, Clock: clk})
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	database := NewMapleDB(nil)
	if err := database.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func Benchmark(b *testing.B) {
	dbtesting.RunTupleDBBenchmarks(b, "MapleDB", func(clk clock.Clock) db.TupleDB {
		return NewMapleDB(&DBOptions{Clock: clk})
	})
}
