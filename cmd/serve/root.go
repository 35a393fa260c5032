package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dTS/cmd/util"
	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var (
	log = logger.GetLogger("serve")

	engineConfig    engine.Config
	transportConfig common.TransportConfig

	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the tuplespace of one owner",
		Long: `Run the tuplespace engine of one owner until SIGINT or SIGTERM.
The configuration can be set via command line flags or environment variables.
The format of the environment variables is DTS_<flag> (e.g. DTS_OWNER_ID=3)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupTransportFlags(ServeCmd)

	defaults := engine.DefaultConfig(0)

	key := "owner-id"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Owner id of this tuplespace, must be unique among all peers"))

	key = "shards"
	ServeCmd.PersistentFlags().Int(key, defaults.NumShards, cmdUtil.WrapString("Number of shards of the tuple store"))

	key = "gc-interval"
	ServeCmd.PersistentFlags().Duration(key, defaults.GCInterval, cmdUtil.WrapString("How often expired tuples are removed from memory (0 uses the default). Expired tuples are never returned, swept or not"))

	key = "stop-timeout"
	ServeCmd.PersistentFlags().Duration(key, defaults.StopTimeout, cmdUtil.WrapString("How long shutdown waits for queued callback deliveries"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address on which /metrics is served in the prometheus format, e.g. localhost:9100 (empty = disabled)"))

	key = "watch"
	ServeCmd.PersistentFlags().StringSlice(key, nil, cmdUtil.WrapString("Patterns owner:key whose changes are logged, e.g. *:robot.*.position"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	var err error
	if transportConfig, err = cmdUtil.GetTransportConfig(); err != nil {
		return err
	}

	engineConfig = engine.DefaultConfig(viper.GetInt("owner-id"))
	engineConfig.NumShards = viper.GetInt("shards")
	engineConfig.GCInterval = viper.GetDuration("gc-interval")
	engineConfig.StopTimeout = viper.GetDuration("stop-timeout")
	return engineConfig.Validate()
}

// run starts the engine and blocks until a termination signal arrives
func run(_ *cobra.Command, _ []string) (err error) {
	transport, err := cmdUtil.NewTransport(transportConfig)
	if err != nil {
		return err
	}
	if transport != nil {
		engineConfig.Transport = transport
		defer func() { err = multierr.Append(err, transport.Close()) }()
	}

	e, err := engine.New(engineConfig)
	if err != nil {
		return err
	}
	fmt.Print(engineConfig.String())
	fmt.Print(transportConfig.String())

	if err := e.Start(); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.Stop()) }()

	for _, pattern := range viper.GetStringSlice("watch") {
		if err := watch(e, pattern); err != nil {
			return err
		}
	}

	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		srv := serveMetrics(e, endpoint)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, srv.Shutdown(ctx))
		}()
	}

	log.Infof("tuplespace of owner %d is ready", e.LocalOwner())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Infof("received %s, shutting down", <-sig)
	return nil
}

// watch registers a callback that logs every change matching pattern
func watch(e *engine.Engine, pattern string) error {
	owner, key, err := cmdUtil.ParsePattern(pattern)
	if err != nil {
		return err
	}
	_, err = e.RegisterCallback(owner, key, subscription.CallbackFunc(func(t tuple.Tuple) error {
		log.Infof("%s", t)
		return nil
	}), engine.WithReplay())
	if err != nil {
		return fmt.Errorf("watch %s: %w", pattern, err)
	}
	log.Infof("watching %s", pattern)
	return nil
}

// serveMetrics exposes the engine and process metrics on endpoint
func serveMetrics(e *engine.Engine, endpoint string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		e.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics endpoint stopped: %v", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", endpoint)
	return srv
}
