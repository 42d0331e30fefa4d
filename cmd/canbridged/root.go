package main

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via ldflags.
	version = "dev"
	commit  = "none"
	date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "canbridged",
	Short: "canbridged bridges a CAN bus to TCP clients speaking the frame wire protocol",
	Long: `canbridged multiplexes one or more CAN (or CAN FD) interfaces onto a
single TCP listener. Connected clients receive every frame observed on the
configured buses and may request transmission of frames they build
themselves, all over a small binary wire protocol.

Use "canbridged [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./config.yaml or /etc/canbridge/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("canbridged %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	},
}

func execute() error {
	return rootCmd.Execute()
}
