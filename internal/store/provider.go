package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/config"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/db"
	"github.com/stagecraft/stagecraft/internal/db/dialect"
)

// Open builds a Store from configuration and returns it with a cleanup
// function. SQLite gets a single-writer pool plus a read-only reader pool
// (WAL); PostgreSQL uses one pgx pool for both sides.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Store, func() error, error) {
	switch cfg.Driver {
	case "sqlite", "":
		rawWriter, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		rawReader, err := db.OpenSQLiteReader(cfg.SQLitePath)
		if err != nil {
			_ = rawWriter.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}

		writer := sqlx.NewDb(rawWriter, dialect.SQLite3)
		reader := sqlx.NewDb(rawReader, dialect.SQLite3)
		s, err := newStore(writer, reader, dialect.SQLite3)
		if err != nil {
			return nil, nil, err
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", cfg.SQLitePath))
		}
		cleanup := func() error {
			// PRAGMA optimize refreshes query planner statistics; the
			// SQLite-recommended maintenance hook on connection close.
			_, _ = writer.Exec("PRAGMA optimize")
			return s.Close()
		}
		return s, cleanup, nil

	case "postgres":
		raw, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		conn := sqlx.NewDb(raw, dialect.PGX)
		s, err := newStore(conn, conn, dialect.PGX)
		if err != nil {
			return nil, nil, err
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "postgres"),
				zap.String("db_host", cfg.Host),
				zap.String("db_name", cfg.DBName))
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
