package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/profilesvc/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the profile history schema",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(db.Up), string(db.Down)},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := db.Direction(args[0])
		if direction != db.Up && direction != db.Down {
			return fmt.Errorf("unknown direction %q, expected up or down", args[0])
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := db.NewConnection(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()
		return db.RunMigrations(conn.Pool, direction, logger)
	},
}
