// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// CallAcceptanceTimeout is how long a call may ring before it is marked missed
	CallAcceptanceTimeout = 30 * time.Second

	// CallEstablishmentTimeout is how long an answered call may take to get media flowing
	CallEstablishmentTimeout = 30 * time.Second

	// ICECandidatePoolSize is handed to clients with the relay configuration
	ICECandidatePoolSize = 10

	// QualitySampleWindow is the number of recent quality samples returned by call stats
	QualitySampleWindow = 10

	// AuditQueueSize bounds the pending signaling audit records
	AuditQueueSize = 1024

	// HistoryChannelPrefix is the pub/sub channel prefix of the messaging service
	HistoryChannelPrefix = "chat:"
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// WebSocket connection limits
const (
	// MaxSignalingConnections caps concurrent push channel connections
	MaxSignalingConnections = 1000

	// MaxMessageSize bounds an inbound push channel frame
	MaxMessageSize = 64 * 1024

	// ClientSendBuffer is the outbound queue length per connection
	ClientSendBuffer = 256
)
