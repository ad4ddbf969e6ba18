// Package cmd implements the nanogate command line interface.
package cmd

import "github.com/spf13/cobra"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nanogate",
		Short:         "nanogate: line-oriented device gateway",
		Long:          "nanogate holds a persistent telnet session to a line-oriented device and exposes alias commands and telemetry over MQTT and HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
	)

	return rootCmd
}
