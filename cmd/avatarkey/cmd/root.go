package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "avatarkey",
	Short: "avatarkey unlocks provider credentials and runs live avatar sessions",
	Long: `A server that keeps streaming-avatar provider credentials sealed behind a
time-bounded unlock grant and runs one live avatar session per client device.
Complete documentation is available at https://github.com/jmcleod/avatarkey`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.Version = Version
}
