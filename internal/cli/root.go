// Package cli implements the tomoyo command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tomoyo",
	Short: "Economy and contract engine",
	Long: `tomoyo runs the economy engine behind the community bot: the
points ledger, the membership countdown, project contracts and the
peer-review escrow protocol, settled off wall-clock deadlines.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.tomoyo/config.toml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
