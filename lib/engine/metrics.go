package engine

import (
	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics are the counters of the engine itself.
// The dispatcher registers its own delivery metrics in the same set.
type engineMetrics struct {
	writes        *metrics.Counter
	writeErrors   *metrics.Counter
	reads         *metrics.Counter
	readMisses    *metrics.Counter
	notifications *metrics.Counter
	remoteWrites  *metrics.Counter
	remoteApplied *metrics.Counter
}

func newEngineMetrics(set *metrics.Set, e *Engine) *engineMetrics {
	m := &engineMetrics{
		writes:        set.NewCounter("dts_writes_total"),
		writeErrors:   set.NewCounter("dts_write_errors_total"),
		reads:         set.NewCounter("dts_reads_total"),
		readMisses:    set.NewCounter("dts_read_misses_total"),
		notifications: set.NewCounter("dts_notifications_total"),
		remoteWrites:  set.NewCounter("dts_remote_writes_forwarded_total"),
		remoteApplied: set.NewCounter("dts_remote_writes_applied_total"),
	}

	set.NewGauge("dts_subscriptions", func() float64 { return float64(e.registry.Len()) })
	set.NewGauge("dts_meta_tuples_declared", func() float64 { return float64(e.resolver.Len()) })
	set.NewGauge("dts_tuples", func() float64 { return float64(e.store.GetInfo().Entries) })

	return m
}
