// Package commands implements the CLI commands for the fedcore broker.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/fedcore/pkg/federate"
	"github.com/marmos91/fedcore/pkg/routing"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// Exit codes per the broker CLI contract.
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitConnection = 2
	ExitTimeout    = 3
	ExitFederation = 4
)

var rootCmd = &cobra.Command{
	Use:   "fedcore",
	Short: "fedcore - co-simulation federation broker",
	Long: `fedcore is the time-coordination broker of a co-simulation runtime.
It hosts federates that exchange timestamped values and messages while
advancing a shared logical clock, and guarantees that no federate observes
an input from a time it has not yet been granted.

Use "fedcore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps the failure to an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return ExitOK
}

// exitCode classifies an error into the CLI exit-code contract: 1 for
// configuration problems, 2 for connection failures, 3 for timeouts, 4 for
// federation-wide errors.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errConfig):
		return ExitConfig
	case errors.Is(err, routing.ErrConnectionFailure), errors.Is(err, routing.ErrUnsupportedTransport):
		return ExitConnection
	case errors.Is(err, federate.ErrGrantTimeout), errors.Is(err, errTimeout):
		return ExitTimeout
	default:
		return ExitFederation
	}
}

// errConfig and errTimeout tag errors for exit-code classification.
var (
	errConfig  = errors.New("configuration error")
	errTimeout = errors.New("timeout")
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/fedcore/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
