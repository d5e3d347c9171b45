// Package commands implements chatforged's CLI surface.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version is injected at build time.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "chatforged",
	Short:         "chatforged runs the shared chat room and DM server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected subcommand.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults: environment variables only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(moderationCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatforged version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(Version)
		return nil
	},
}
