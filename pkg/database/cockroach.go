package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"callsession-backend/pkg/config"
	"callsession-backend/pkg/constants"
)

// CockroachDB connection using pgx (PostgreSQL-compatible driver)
type CockroachDB struct {
	Pool *pgxpool.Pool
}

// ConnString builds the postgres URL for the database settings
func ConnString(cfg *config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Database,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewCockroachDB creates a new CockroachDB connection pool
func NewCockroachDB(ctx context.Context, cfg *config.DatabaseConfig) (*CockroachDB, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = constants.MaxConnLifetime
	poolConfig.MaxConnIdleTime = constants.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = constants.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &CockroachDB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *CockroachDB) Close() {
	db.Pool.Close()
}

// Ping tests the database connection
func (db *CockroachDB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
