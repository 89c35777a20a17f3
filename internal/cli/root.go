package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "authcore",
	Short: "Authorization and forensic audit core",
	Long:  "Gates machine-proposed actions behind human authorization — capability grants, hold-to-arm lifecycle, single-use confirmation challenges — and seals every dispatch attempt into a hash-chained forensic log.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to yaml config (defaults apply when absent)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
