package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	// Database drivers for the SQL-backed snapshot store.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open selects a snapshot backend from config. Supported drivers:
//
//	file     — JSON file at dsn (default)
//	sqlite   — SQLite database file at dsn
//	postgres — PostgreSQL connection string in dsn
//	memory   — no durability, for tests and dry runs
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file":
		return NewFileStore(dsn)
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return openSQL(ctx, "sqlite", dsn)
	case "postgres":
		return openSQL(ctx, "pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown snapshot driver: %q", driver)
	}
}

func openSQL(ctx context.Context, driverName, dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("snapshot dsn is required for driver %s", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach snapshot database: %w", err)
	}

	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("driver", driverName).Msg("Snapshot database ready")
	return s, nil
}
