package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/muxboard/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.StorePath())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			fmt.Printf("database at %s is up to date\n", cfg.StorePath())
			return nil
		},
	}
}
