// Command livekit-check runs the telephony API and the agent session host.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/version"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "livekit-check",
	Short:         "LiveKit voice and vision agent runtime",
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `livekit-check hosts voice and vision agent sessions for LiveKit rooms
and serves the HTTP API that issues participant tokens and places outbound
SIP calls.

Configuration is read from a YAML file and overridden by environment
variables such as LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("verbose") {
			logger.SetVerbose(verbose)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "livekit-check.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.SetVersionTemplate(version.Get().String() + "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
