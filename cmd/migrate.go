package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema maintenance",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Open migrates to latest as a side effect.
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		v, _, err := s.MigrationVersion()
		if err != nil {
			return err
		}
		fmt.Println("schema at version", v)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return s.MigrateDown()
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		v, dirty, err := s.MigrationVersion()
		if err != nil {
			return err
		}
		fmt.Printf("version %d dirty %v\n", v, dirty)
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.StorePath())
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
