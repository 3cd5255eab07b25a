// Package db persists voxel diagnostics runs in SQLite.
package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/voxelizer/internal/monitoring"
	_ "modernc.org/sqlite"
)

var logf = monitoring.Prefixed("db")

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and migrates it to the latest
// schema. The pool is limited to one connection so the pragmas below hold for
// every query, which also makes ":memory:" usable.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logf("opened diagnostics database %s", path)
	return db, nil
}

func applyPragmas(sqlDB *sql.DB) error {
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := sqlDB.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}
