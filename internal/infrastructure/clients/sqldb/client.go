package sqldb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/pkg/config"
	"github.com/zatekoja/aivisibility/pkg/retry"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Client represents a relational store connection. PostgreSQL in production,
// SQLite for local development and tests.
type Client struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

// NewClient opens the configured database. PostgreSQL is pinged with
// exponential backoff; SQLite gets its schema applied on open.
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return newPostgres(ctx, cfg)
	case DriverSQLite:
		return NewSQLite(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.DoWithLog(
		ctx,
		retry.DefaultConfig(),
		"PostgreSQL",
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("PostgreSQL connection attempt failed")
		},
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Successfully connected to PostgreSQL")
	return &Client{db: db, dialect: goqu.Dialect("postgres")}, nil
}

// NewSQLite opens an SQLite database at path (":memory:" for a private
// in-memory database) and applies the schema.
func NewSQLite(ctx context.Context, path string) (*Client, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection: in-memory databases are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable sqlite foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite database ready")
	return &Client{db: db, dialect: goqu.Dialect("sqlite3")}, nil
}

// NewFromDB wraps an existing connection. dialect is a goqu dialect name
// ("postgres" or "sqlite3").
func NewFromDB(db *sql.DB, driverName, dialect string) *Client {
	return &Client{db: sqlx.NewDb(db, driverName), dialect: goqu.Dialect(dialect)}
}

// DB returns the underlying database connection
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Builder returns a query builder for the connection's SQL dialect
func (c *Client) Builder() goqu.DialectWrapper {
	return c.dialect
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// BeginTx starts a new transaction
func (c *Client) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return c.db.BeginTxx(ctx, nil)
}

// Ping verifies the connection to the database
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
