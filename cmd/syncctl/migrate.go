package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recordmoney/syncd/internal/migration"
)

// jsonSource implements migration.Source over a single JSON export file,
// the concrete legacy-database stand-in this CLI ships with; any other
// legacy schema is free to implement migration.Source itself.
type jsonSource struct {
	UserRows   []migration.LegacyUser   `json:"users"`
	RecordRows []migration.LegacyRecord `json:"records"`
	GroupRows  []migration.LegacyGroup  `json:"groups"`
}

func (s jsonSource) Users() ([]migration.LegacyUser, error)     { return s.UserRows, nil }
func (s jsonSource) Records() ([]migration.LegacyRecord, error) { return s.RecordRows, nil }
func (s jsonSource) Groups() ([]migration.LegacyGroup, error)   { return s.GroupRows, nil }

var migrateFile string
var migrateSelfEmail string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "One-shot import of a legacy ledger export into the signed mutation log",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(migrateFile)
		if err != nil {
			return fmt.Errorf("read legacy export: %w", err)
		}
		var source jsonSource
		if err := json.Unmarshal(raw, &source); err != nil {
			return fmt.Errorf("parse legacy export: %w", err)
		}
		result, err := app.migration.Migrate(source, migrateSelfEmail)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFile, "file", "", "path to a JSON legacy export ({users,records,groups})")
	migrateCmd.Flags().StringVar(&migrateSelfEmail, "self-email", "", "email address identifying this device's owner among the legacy users")
	_ = migrateCmd.MarkFlagRequired("file")
}
