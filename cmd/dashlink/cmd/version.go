package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dashlink/dashlink/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		if versionShort {
			fmt.Println(version.Short())
			return
		}
		fmt.Println(version.Full())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version number")
	rootCmd.AddCommand(versionCmd)
}
