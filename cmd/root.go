package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dTS/cmd/serve"
	"github.com/ValentinKolb/dTS/cmd/tuple"
	"github.com/ValentinKolb/dTS/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dts",
		Short: "local tuplespace with subscriptions",
		Long: fmt.Sprintf(`dTS (v%s)

A tuplespace for robot ecologies written in Go. Every owner keeps its tuples
in memory, notifies subscribed callbacks about changes and accepts writes of
other owners over redis pub/sub or tcp/unix sockets.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dTS",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dTS v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(tuple.TupleCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer of remote writes, all peers must agree (binary, json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
