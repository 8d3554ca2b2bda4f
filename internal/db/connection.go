package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database configuration
type Config struct {
	Host      string `mapstructure:"host" validate:"required"`
	Port      int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User      string `mapstructure:"user" validate:"required"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname" validate:"required"`
	SSLMode   string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns  int32  `mapstructure:"max_conns" validate:"min=1"`
	MinConns  int32  `mapstructure:"min_conns" validate:"min=0"`
	// Isolation is the level mutations run at. Writers for one user queue on
	// a lock row only under read_committed. The stricter levels abort every
	// contended writer with a serialization failure, so with one retry at
	// most two concurrent writers per user are guaranteed to succeed.
	Isolation string `mapstructure:"isolation" validate:"oneof=read_committed repeatable_read serializable"`
}

// DBTX is satisfied by both the pool and a transaction, so repositories can
// run the same queries inside or outside a unit of work.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connection wraps the database connection pool
type Connection struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// DSN renders the keyword/value connection string used by pgxpool.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// QueuesWriters reports whether concurrent writers for the same user wait
// for each other instead of failing with a conflict.
func (c Config) QueuesWriters() bool {
	return c.TxIsoLevel() == pgx.ReadCommitted
}

// TxIsoLevel maps the configured isolation name onto pgx.
func (c Config) TxIsoLevel() pgx.TxIsoLevel {
	switch strings.ToLower(strings.TrimSpace(c.Isolation)) {
	case "repeatable_read":
		return pgx.RepeatableRead
	case "serializable":
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// NewConnection creates a new database connection
func NewConnection(ctx context.Context, config Config, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("dbname", config.DBName),
		slog.Int("max_conns", int(poolConfig.MaxConns)),
	)

	return NewConnectionFromPool(pool, logger), nil
}

// NewConnectionFromPool wraps an already opened pool.
func NewConnectionFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{Pool: pool, logger: logger}
}

// Close closes the database connection pool
func (c *Connection) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// WithTx executes a function within a database transaction
func (c *Connection) WithTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := c.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error("failed to rollback transaction", slog.Any("error", err))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			c.logger.Warn("rollback failed", slog.Any("error", rbErr), slog.Any("cause", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		Host:      "localhost",
		Port:      5432,
		User:      "postgres",
		Password:  "postgres",
		DBName:    "user_profiles",
		SSLMode:   "disable",
		MaxConns:  10,
		MinConns:  1,
		Isolation: "read_committed",
	}
}
