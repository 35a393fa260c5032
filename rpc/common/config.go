package common

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Transport configuration struct
// --------------------------------------------------------------------------

const DefaultChannelPrefix = "dts"

// Transport kinds
const (
	TransportNone  = ""
	TransportRedis = "redis"
	TransportTCP   = "tcp"
	TransportUnix  = "unix"
)

// TransportConfig configures how an engine exchanges writes with its peers.
type TransportConfig struct {
	// Kind selects the transport: "" (local only), redis, tcp or unix
	Kind string

	// Redis pub/sub settings
	RedisAddr     string
	ChannelPrefix string

	// Socket settings (tcp, unix)
	Listen     string         // endpoint this peer accepts writes on (empty = send only)
	Peers      map[int]string // owner id -> endpoint of the peer owning it
	RetryCount int            // attempts per write (min 1)

	// Wire format of messages: binary, json or gob
	Serializer string

	// Timeout of a single publish or request
	Timeout time.Duration
}

// Enabled reports whether a transport is configured
func (c *TransportConfig) Enabled() bool {
	return c.Kind != TransportNone
}

// Validate checks that the settings required by Kind are present
func (c *TransportConfig) Validate() error {
	switch c.Kind {
	case TransportNone:
		return nil
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis transport requires an address")
		}
	case TransportTCP, TransportUnix:
		if c.Listen == "" && len(c.Peers) == 0 {
			return fmt.Errorf("%s transport requires a listen endpoint or at least one peer", c.Kind)
		}
	default:
		return fmt.Errorf("unknown transport %q, must be one of redis, tcp, unix", c.Kind)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// WritesChannel returns the pub/sub channel on which owner receives writes
func (c *TransportConfig) WritesChannel(owner int) string {
	prefix := c.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return fmt.Sprintf("%s:peis:%d:writes", prefix, owner)
}

// ParsePeers parses entries of the form "owner=endpoint"
func ParsePeers(entries []string) (map[int]string, error) {
	peers := make(map[int]string, len(entries))
	for _, entry := range entries {
		owner, endpoint, ok := strings.Cut(entry, "=")
		if !ok || endpoint == "" {
			return nil, fmt.Errorf("invalid peer %q, expected owner=endpoint", entry)
		}
		var id int
		if _, err := fmt.Sscanf(owner, "%d", &id); err != nil || id < 0 {
			return nil, fmt.Errorf("invalid owner id in peer %q", entry)
		}
		peers[id] = endpoint
	}
	return peers, nil
}

// String returns a formatted string representation of the configuration
func (c *TransportConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Transport")
	if !c.Enabled() {
		addField("Kind", "none (local only)")
		return sb.String()
	}
	addField("Kind", c.Kind)

	switch c.Kind {
	case TransportRedis:
		addField("Redis", c.RedisAddr)
		addField("Channel Prefix", c.ChannelPrefix)
	default:
		addField("Listen", c.Listen)
		owners := make([]int, 0, len(c.Peers))
		for owner := range c.Peers {
			owners = append(owners, owner)
		}
		slices.Sort(owners)
		for _, owner := range owners {
			addField(fmt.Sprintf("Peer %d", owner), c.Peers[owner])
		}
		addField("Retry Count", fmt.Sprintf("%d", c.RetryCount))
	}
	addField("Serializer", c.Serializer)
	addField("Timeout", c.Timeout.String())

	return sb.String()
}
