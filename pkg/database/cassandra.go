package database

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"callsession-backend/pkg/config"
)

// CassandraDB connection wrapper
type CassandraDB struct {
	Session *gocql.Session
}

// NewCassandraDB creates a new Cassandra session
func NewCassandraDB(cfg *config.CassandraConfig) (*CassandraDB, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = ParseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.NumConns = 2
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        time.Second,
		Max:        10 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	return &CassandraDB{Session: session}, nil
}

// ParseConsistency maps a config value to a gocql consistency, defaulting to QUORUM
func ParseConsistency(s string) gocql.Consistency {
	c, err := gocql.ParseConsistencyWrapper(s)
	if err != nil {
		return gocql.Quorum
	}
	return c
}

// Close closes the Cassandra session
func (db *CassandraDB) Close() {
	if db.Session != nil {
		db.Session.Close()
	}
}

// Ping tests the connection
func (db *CassandraDB) Ping() error {
	if err := db.Session.Query("SELECT now() FROM system.local").Exec(); err != nil {
		return fmt.Errorf("cassandra ping failed: %w", err)
	}
	return nil
}
