package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/ValentinKolb/dTS/rpc/transport/redis"
	"github.com/ValentinKolb/dTS/rpc/transport/socket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and makes viper read DTS_ environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dts")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupTransportFlags adds the flags selecting and configuring the transport to a command
func SetupTransportFlags(cmd *cobra.Command) {
	key := "transport"
	cmd.PersistentFlags().String(key, "", WrapString("Transport used to exchange writes with other owners (empty = local only, redis, tcp, unix)"))

	key = "redis-addr"
	cmd.PersistentFlags().String(key, "localhost:6379", WrapString("Address of the redis server (redis transport)"))

	key = "channel-prefix"
	cmd.PersistentFlags().String(key, common.DefaultChannelPrefix, WrapString("Prefix of the pub/sub channels (redis transport)"))

	key = "listen"
	cmd.PersistentFlags().String(key, "", WrapString("Endpoint on which writes of other owners are accepted, e.g. 0.0.0.0:7001 or /tmp/dts.sock (tcp and unix transport)"))

	key = "peers"
	cmd.PersistentFlags().StringSlice(key, nil, WrapString("Endpoints of other owners in the format owner=endpoint, e.g. 2=10.0.0.2:7001 (tcp and unix transport)"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times a write is attempted (tcp and unix transport)"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Timeout of a single remote write"))
}

// GetTransportConfig reads the transport configuration from viper
func GetTransportConfig() (common.TransportConfig, error) {
	peers, err := common.ParsePeers(viper.GetStringSlice("peers"))
	if err != nil {
		return common.TransportConfig{}, err
	}

	cfg := common.TransportConfig{
		Kind:          viper.GetString("transport"),
		RedisAddr:     viper.GetString("redis-addr"),
		ChannelPrefix: viper.GetString("channel-prefix"),
		Listen:        viper.GetString("listen"),
		Peers:         peers,
		RetryCount:    viper.GetInt("retries"),
		Serializer:    viper.GetString("serializer"),
		Timeout:       viper.GetDuration("timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return common.TransportConfig{}, err
	}
	return cfg, nil
}

// TransportCloser is a transport that holds connections
type TransportCloser interface {
	engine.Transport
	Close() error
}

// NewTransport creates the transport selected by cfg.Kind (nil if none is configured)
func NewTransport(cfg common.TransportConfig) (TransportCloser, error) {
	switch cfg.Kind {
	case common.TransportNone:
		return nil, nil
	case common.TransportRedis:
		t, err := redis.New(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	case common.TransportTCP, common.TransportUnix:
		t, err := socket.New(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", cfg.Kind)
	}
}

// ParsePattern parses a subscription pattern of the form owner:key where owner is
// an owner id or "*" and key may contain "*" segments (e.g. "*:robot.*.position")
func ParsePattern(s string) (tuple.OwnerMatcher, tuple.KeyMatcher, error) {
	owner, key, ok := strings.Cut(s, ":")
	if !ok {
		return tuple.OwnerMatcher{}, tuple.KeyMatcher{}, fmt.Errorf("invalid pattern %q, expected owner:key", s)
	}

	var om tuple.OwnerMatcher
	if owner == tuple.Wildcard {
		om = tuple.AnyOwner()
	} else {
		id, err := strconv.Atoi(owner)
		if err != nil || id < 0 {
			return tuple.OwnerMatcher{}, tuple.KeyMatcher{}, fmt.Errorf("invalid owner in pattern %q", s)
		}
		om = tuple.Owner(id)
	}

	km, err := tuple.KeyPattern(key)
	if err != nil {
		return tuple.OwnerMatcher{}, tuple.KeyMatcher{}, err
	}
	return om, km, nil
}
