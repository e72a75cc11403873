package state

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
)

func init() {
	Register("mysql", newMySQL)
}

func newMySQL(cfg v1alpha1.State) (DB, error) {
	if cfg.Connection == "" {
		return nil, fmt.Errorf("mysql state store requires a connection DSN")
	}
	return &sqlDB{
		driverName:  "mysql",
		dsn:         cfg.Connection,
		placeholder: func(n int) string { return "?" },
	}, nil
}
