// Package cmd implements the command-line interface of the tuplespace.
//
// The package is organized into several subpackages:
//
//   - serve: runs the engine of one owner, optionally connected to its peers
//   - tuple: writes tuples of a running owner through a transport
//   - util: shared utilities for flags and configuration (internal use)
//
// See dts --help for a list of all commands.
package cmd
