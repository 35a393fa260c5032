package tuple

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dTS/cmd/util"
	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// TupleCommands represents the tuple command group
	TupleCommands = &cobra.Command{
		Use:   "tuple",
		Short: "Write tuples of running owners",
		Long: `Write tuples into the tuplespace of a running owner (see dts serve).
The command acts as its own short lived owner (--origin) and forwards the write
through the configured transport.`,
		PersistentPreRunE: setup,
	}

	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the tuple (owner,key) to value",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupTransportFlags(TupleCommands)

	key := "origin"
	TupleCommands.PersistentFlags().Int(key, 0, util.WrapString("Owner id this command writes as"))

	key = "owner"
	setCmd.Flags().Int(key, 0, util.WrapString("Owner of the tuple to write"))

	key = "expire"
	setCmd.Flags().Duration(key, 0, util.WrapString("Lifetime of the tuple (0 = never expires)"))

	key = "mimetype"
	setCmd.Flags().String(key, "", util.WrapString("Content type of the value"))

	TupleCommands.AddCommand(setCmd)
}

// setup binds the flags and checks that a transport is configured
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	// only warnings and errors, the command prints its own result
	return common.InitLoggers("warn")
}

// runSet forwards one write through a short lived engine
func runSet(cmd *cobra.Command, args []string) error {
	cfg, err := util.GetTransportConfig()
	if err != nil {
		return err
	}
	if !cfg.Enabled() {
		return fmt.Errorf("no transport configured, use --transport")
	}
	transport, err := util.NewTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	ec := engine.DefaultConfig(viper.GetInt("origin"))
	ec.NumShards = 1
	ec.Transport = transport
	e, err := engine.New(ec)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Stop()

	var opts []engine.WriteOption
	if d := viper.GetDuration("expire"); d > 0 {
		opts = append(opts, engine.WithExpiry(d))
	}
	if m := viper.GetString("mimetype"); m != "" {
		opts = append(opts, engine.WithMimeType(m))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout+time.Second)
	defer cancel()

	owner, key := viper.GetInt("owner"), args[0]
	if owner == ec.OwnerID {
		return fmt.Errorf("owner %d is the origin of this command, pick another --origin", owner)
	}
	if err := e.SetRemoteTuple(ctx, owner, key, []byte(args[1]), opts...); err != nil {
		return err
	}
	fmt.Printf("set %d:%s successfully\n", owner, key)
	return nil
}
