package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chatforge/internal/config"
	"chatforge/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply any pending database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cmd.Printf("database %s is up to date\n", cfg.Database.Path)
	return nil
}
