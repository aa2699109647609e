package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	URL      string
}

func (c DatabaseConfig) connString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PostgresStorage is the production store backed by lib/pq.
type PostgresStorage struct {
	*sqlStore
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger, opts ...Option) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.connString())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{sqlStore: newSQLStore(db, postgresDialect, logger, opts)}

	schema, err := migrations.ReadFile("migrations/postgres.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error reading migrations file: %w", err)
	}
	if err := storage.migrate(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL", zap.String("host", config.Host), zap.String("database", config.DBName))
	return storage, nil
}

var postgresDialect = dialect{
	name:           "postgres",
	numberedParams: true,
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}
