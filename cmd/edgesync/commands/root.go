// Package commands implements the edgesync agent CLI.
package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// Exit codes surfaced by the agent.
const (
	ExitOK           = 0
	ExitGeneric      = 1
	ExitBadConfig    = 2
	ExitConnectivity = 3
)

// errBadConfig wraps configuration failures so Execute can map them to
// ExitBadConfig.
var errBadConfig = errors.New("bad configuration")

// errConnectivity marks a failover strategy that ran out of servers.
var errConnectivity = errors.New("persistent connectivity failure")

var rootCmd = &cobra.Command{
	Use:   "edgesync",
	Short: "EdgeSync - IoT endpoint sync agent",
	Long: `EdgeSync keeps a device in continuous synchronization with its cloud
control plane: profile reporting, user attachment, events, notifications,
log upload and configuration delivery over one binary sync protocol.

Use "edgesync [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an Execute error to the agent's exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errConnectivity) || errors.Is(err, errdefs.ErrUnrecoverable):
		return ExitConnectivity
	case errors.Is(err, errBadConfig):
		return ExitBadConfig
	default:
		return ExitGeneric
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/edgesync/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(topicsCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
