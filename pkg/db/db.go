package db

import (
	"fmt"
	"strings"

	"github.com/bitten-ci/bitten/pkg/env"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection opens the database described by the environment.
func Connection(vars env.Environment) (*gorm.DB, error) {
	return Open(vars.DatabaseType, vars.DatabaseDSN)
}

// Open opens a gorm connection for the given database type.
func Open(kind, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch kind {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database type %q", kind)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", kind, err)
	}

	return gdb, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		return "file::memory:?cache=shared"
	}
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}
