package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pion/webrtc/v4"

	pkgenv "callsession-backend/pkg/env"
)

// EnvPrefix prefixes every environment override, e.g. CALLSVC_CALL__ACCEPTANCE_TIMEOUT
const EnvPrefix = "CALLSVC_"

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Cassandra CassandraConfig `koanf:"cassandra"`
	JWT       JWTConfig       `koanf:"jwt"`
	Log       LogConfig       `koanf:"log"`
	Call      CallConfig      `koanf:"call"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Environment     string        `koanf:"environment"` // development, staging, production
	ServiceName     string        `koanf:"service_name"`
	AllowedOrigins  []string      `koanf:"allowed_origins"` // CORS and WebSocket upgrade
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects the backing stores
type StoreConfig struct {
	Driver string `koanf:"driver"` // cockroach, memory
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	User        string `koanf:"user"`
	Password    string `koanf:"password"`
	Database    string `koanf:"database"`
	SSLMode     string `koanf:"ssl_mode"`
	MaxConns    int    `koanf:"max_conns"`
	MinConns    int    `koanf:"min_conns"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	PoolSize int           `koanf:"pool_size"`
	Timeout  time.Duration `koanf:"timeout"`
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string      `koanf:"hosts"`
	Keyspace    string        `koanf:"keyspace"`
	Consistency string        `koanf:"consistency"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	Timeout     time.Duration `koanf:"timeout"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string `koanf:"secret"`
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `koanf:"level"`  // debug, info, warn, error
	Format   string `koanf:"format"` // json, text
	Output   string `koanf:"output"` // stdout, file
	FilePath string `koanf:"file_path"`
}

// CallConfig holds the call lifecycle and relay settings
type CallConfig struct {
	AcceptanceTimeout    time.Duration `koanf:"acceptance_timeout"`
	EstablishmentTimeout time.Duration `koanf:"establishment_timeout"`
	AllowConcurrentCalls bool          `koanf:"allow_concurrent_calls"`
	ICECandidatePoolSize int           `koanf:"ice_candidate_pool_size"`
	STUNURLs             []string      `koanf:"stun_urls"`
	TURNURL              string        `koanf:"turn_url"`
	TURNUsername         string        `koanf:"turn_username"`
	TURNCredential       string        `koanf:"turn_credential"`
	QualitySamples       int           `koanf:"quality_samples"`
	AuditQueueSize       int           `koanf:"audit_queue_size"`
	// DirectoryCacheTTL is how long conversation membership is reused; zero disables the cache
	DirectoryCacheTTL    time.Duration `koanf:"directory_cache_ttl"`
}

// ICEServers builds the relay configuration handed to clients
func (c CallConfig) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, url := range c.STUNURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.TURNURL},
			Username:       c.TURNUsername,
			Credential:     c.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

var defaults = map[string]any{
	"server.port":                  8080,
	"server.environment":           "development",
	"server.service_name":          "call-service",
	"server.allowed_origins":       []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	"server.shutdown_timeout":      "15s",
	"store.driver":                 "cockroach",
	"database.host":                "localhost",
	"database.port":                26257,
	"database.user":                "root",
	"database.database":            "callsession",
	"database.ssl_mode":            "disable",
	"database.max_conns":           25,
	"database.min_conns":           5,
	"redis.host":                   "localhost",
	"redis.port":                   6379,
	"redis.pool_size":              10,
	"redis.timeout":                "5s",
	"cassandra.hosts":              []string{"localhost"},
	"cassandra.keyspace":           "callsession",
	"cassandra.consistency":        "QUORUM",
	"cassandra.timeout":            "600ms",
	"jwt.issuer":                   "callsession-auth",
	"jwt.audience":                 "callsession-api",
	"log.level":                    "info",
	"log.format":                   "json",
	"log.output":                   "stdout",
	"log.file_path":                "/logs/call-service.log",
	"call.acceptance_timeout":      "30s",
	"call.establishment_timeout":   "30s",
	"call.allow_concurrent_calls":  false,
	"call.ice_candidate_pool_size": 10,
	"call.stun_urls":               []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
	"call.quality_samples":         10,
	"call.audit_queue_size":        1024,
	"call.directory_cache_ttl":     "30s",
}

// Load builds the configuration from an optional YAML file named by
// CONFIG_FILE, then CALLSVC_ environment overrides, then defaults.
// Nested keys use a double underscore: CALLSVC_REDIS__HOST.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("failed to set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Docker secrets take precedence over plain values
	cfg.JWT.Secret = pkgenv.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = pkgenv.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = pkgenv.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Call.TURNCredential = pkgenv.GetStringFromFile("TURN_CREDENTIAL", cfg.Call.TURNCredential)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return errors.New("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Store.Driver {
	case "cockroach", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Call.AcceptanceTimeout <= 0 || c.Call.EstablishmentTimeout <= 0 {
		return errors.New("call timeouts must be positive")
	}
	if c.Call.ICECandidatePoolSize < 0 {
		return errors.New("ice_candidate_pool_size must not be negative")
	}
	if c.Call.TURNURL != "" && c.Call.TURNUsername == "" {
		return errors.New("turn_username is required when turn_url is set")
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
