package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStorage keeps the whole state in a single local file, the way a
// single-node deployment runs without a database server.
type SQLiteStorage struct {
	*sqlStore
	path string
}

func NewSQLiteStorage(path string, logger *zap.Logger, opts ...Option) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection serializes every transaction.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		sqlStore: newSQLStore(db, sqliteDialect, logger, opts),
		path:     path,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema, err := migrations.ReadFile("migrations/sqlite.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error reading migrations file: %w", err)
	}
	if err := storage.migrate(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Opened SQLite database", zap.String("path", path))
	return storage, nil
}

var sqliteDialect = dialect{
	name: "sqlite",
	isUniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}
