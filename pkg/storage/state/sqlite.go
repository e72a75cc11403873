package state

import (
	_ "modernc.org/sqlite"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

func init() {
	Register("sqlite", newSQLite)
}

func newSQLite(cfg v1alpha1.State) (DB, error) {
	dsn := cfg.Connection
	if dsn == "" {
		dsn = "premiscale.db"
	}
	return &sqlDB{
		driverName:  "sqlite",
		dsn:         dsn,
		placeholder: func(n int) string { return "?" },
	}, nil
}
