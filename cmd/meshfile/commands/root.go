// Package commands implements the CLI commands for the meshfile server.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "meshfile",
	Short: "meshfile - hybrid IPC and service-mesh data plane",
	Long: `meshfile moves structured requests between cooperating processes over
the fastest viable channel: memory-mapped shared files for co-located
peers and TCP (optionally TLS) for remote peers. Clients describe what
they need; the manager picks the transport.

Use "meshfile [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/meshfile/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// configPath returns the config file path from the global flag, with
// the conventional default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "/etc/meshfile/config.yaml"
}
