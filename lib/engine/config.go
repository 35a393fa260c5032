package engine

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/benbjohnson/clock"
)

const (
	defaultGCInterval  = 100 * time.Millisecond
	defaultStopTimeout = 5 * time.Second
)

// Config holds everything needed to build an Engine.
type Config struct {
	// OwnerID is the peis id of this process. Local writes are stored under it.
	OwnerID int

	// Store parameters
	NumShards  int           // 0 = one shard per CPU
	GCInterval time.Duration // interval of the expiry sweep

	// StopTimeout bounds how long Stop waits for queued deliveries
	StopTimeout time.Duration

	// Transport forwards writes to remote owners (nil = local only).
	// If it also implements Listener, Start begins listening for inbound writes.
	Transport Transport

	// Clock is the time source of the store (nil = wall clock)
	Clock clock.Clock

	// Metrics receives the engine metrics (nil = private set)
	Metrics *metrics.Set
}

// DefaultConfig returns a configuration for owner with default settings
func DefaultConfig(owner int) Config {
	return Config{
		OwnerID:     owner,
		NumShards:   runtime.NumCPU(),
		GCInterval:  defaultGCInterval,
		StopTimeout: defaultStopTimeout,
	}
}

// withDefaults fills every unset field
func (c Config) withDefaults() Config {
	defaults := DefaultConfig(c.OwnerID)
	if c.NumShards <= 0 {
		c.NumShards = defaults.NumShards
	}
	if c.GCInterval <= 0 {
		c.GCInterval = defaults.GCInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaults.StopTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewSet()
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.OwnerID < 0 {
		return fmt.Errorf("owner id %d is reserved, must be >= 0", c.OwnerID)
	}
	if c.NumShards < 0 {
		return fmt.Errorf("number of shards must not be negative")
	}
	if c.GCInterval < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Peis")
	addField("Owner ID", strconv.Itoa(c.OwnerID))

	addSection("Store")
	addField("Shards", strconv.Itoa(c.NumShards))
	addField("GC Interval", c.GCInterval.String())

	addSection("Dispatch")
	addField("Stop Timeout", c.StopTimeout.String())

	addSection("Transport")
	if c.Transport == nil {
		addField("Type", "none (local only)")
	} else {
		addField("Type", fmt.Sprintf("%T", c.Transport))
		_, listens := c.Transport.(Listener)
		addField("Inbound", strconv.FormatBool(listens))
	}

	return sb.String()
}
