package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callsession-backend/pkg/config"
)

// errDegraded is returned by Safe* operations while Redis is unhealthy
var errDegraded = errors.New("redis is in degraded mode")

// HealthRecorder receives the outcome of health checks and failed commands
type HealthRecorder interface {
	SetRedisHealthy(healthy bool)
	RecordRedisError(command string)
}

// RedisClient wraps the Redis client with degraded mode support. While
// degraded, Safe* operations fail fast instead of waiting on timeouts.
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	recorder       HealthRecorder
}

// NewRedisDB creates a new Redis client from config
func NewRedisDB(cfg *config.RedisConfig, recorder HealthRecorder) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
		MaxRetries:   3,
	})
	return &RedisClient{Client: client, recorder: recorder}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	changed := r.degradedMode != degraded
	r.degradedMode = degraded
	r.degradedModeMu.Unlock()

	if changed && r.recorder != nil {
		r.recorder.SetRedisHealthy(!degraded)
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.setDegradedState(false)
	return nil
}

func (r *RedisClient) failed(command string, err error) {
	if err != nil && !errors.Is(err, redis.Nil) && r.recorder != nil {
		r.recorder.RecordRedisError(command)
	}
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("publish skipped: %w", errDegraded))
	}
	cmd := r.Client.Publish(ctx, channel, message)
	r.failed("publish", cmd.Err())
	return cmd
}

// SafeSet performs a SET operation with degraded mode handling
func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", fmt.Errorf("set skipped: %w", errDegraded))
	}
	cmd := r.Client.Set(ctx, key, value, expiration)
	r.failed("set", cmd.Err())
	return cmd
}

// SafeDel performs a DEL operation with degraded mode handling
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("del skipped: %w", errDegraded))
	}
	cmd := r.Client.Del(ctx, keys...)
	r.failed("del", cmd.Err())
	return cmd
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("exists skipped: %w", errDegraded))
	}
	cmd := r.Client.Exists(ctx, keys...)
	r.failed("exists", cmd.Err())
	return cmd
}

// SafeExpire performs an EXPIRE operation with degraded mode handling
func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, fmt.Errorf("expire skipped: %w", errDegraded))
	}
	cmd := r.Client.Expire(ctx, key, expiration)
	r.failed("expire", cmd.Err())
	return cmd
}
