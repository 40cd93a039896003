// Package cmd contains the CLI commands for modelpool.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelpool/modelpool/internal/config"
	"github.com/modelpool/modelpool/internal/utils"
)

var (
	// Version is set at build time
	Version = "dev"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "modelpool",
	Short: "Multi-provider LLM account pool and request router",
	Long: `Modelpool maintains a pool of provider accounts (codex, antigravity,
openai-compatible) and routes requests across them.

When an account hits a rate limit the router cools it down and rotates to
the next account, so a pool of accounts behaves like one account with a
bigger quota.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cobra.OnInitialize(func() {
		debug, _ := rootCmd.PersistentFlags().GetBool("debug")
		if debug || config.GetDebugEnabled() {
			utils.SetDebug(true)
		}
	})
}
