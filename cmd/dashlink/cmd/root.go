// Package cmd implements the CLI commands for dashlink.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dashlink/dashlink/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "dashlink",
	Short:   "Dashcam telematics ingestion and live-video fan-out service",
	Version: version.Short(),
	Long: `dashlink terminates JT/T 808 signaling and JT/T 1078 video connections
from vehicle dashcams, persists telemetry, re-muxes H.264 into fMP4 and
fans live video out to web gateways over a Redis bus.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/dashlink, $HOME/.dashlink)")

	// Accept underscore spellings for flag names, matching the config keys.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}
