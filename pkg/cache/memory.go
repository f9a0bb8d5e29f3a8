package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// cacheEntry represents a single cache entry
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache[K comparable, V any](defaultTTL time.Duration, maxSize int) *MemoryCache[K, V] {
	return &MemoryCache[K, V]{
		data:    make(map[K]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value in the cache with TTL; zero means the default TTL
func (mc *MemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache[K, V]) Get(key K) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var zero V
	entry, exists := mc.data[key]
	if !exists {
		return zero, false
	}
	if mc.now().After(entry.expiresAt) {
		delete(mc.data, key)
		return zero, false
	}
	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[K, V]) Delete(key K) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[K, V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry; mu must be held
func (mc *MemoryCache[K, V]) evictOldest() {
	var oldestKey K
	var oldestTime time.Time
	found := false

	for key, entry := range mc.data {
		if !found || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
			found = true
		}
	}

	if found {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache[K, V]) cleanupExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expired := 0
	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expired++
		}
	}
	return expired
}

// StartCleanup starts a goroutine to clean up expired entries.
// Returns a stop function that can be called to cancel the cleanup goroutine.
func (mc *MemoryCache[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := mc.cleanupExpired(); n > 0 {
					logger.Debug("Expired cache entries cleaned up", zap.Int("count", n))
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// ParticipantSource is the authoritative conversation membership lookup
type ParticipantSource interface {
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// LookupRecorder receives hit/miss counts; *metrics.Metrics implements it
type LookupRecorder interface {
	RecordCacheLookup(cache string, hit bool)
}

// DirectoryCache keeps conversation membership for a short TTL so repeated
// initiations in the same conversation skip the database. Errors are never cached.
type DirectoryCache struct {
	source   ParticipantSource
	cache    *MemoryCache[uuid.UUID, []uuid.UUID]
	recorder LookupRecorder
}

// NewDirectoryCache wraps source with a TTL cache of at most maxSize conversations
func NewDirectoryCache(source ParticipantSource, ttl time.Duration, maxSize int, recorder LookupRecorder) *DirectoryCache {
	return &DirectoryCache{
		source:   source,
		cache:    NewMemoryCache[uuid.UUID, []uuid.UUID](ttl, maxSize),
		recorder: recorder,
	}
}

// GetParticipants returns the cached membership or loads it from the source
func (d *DirectoryCache) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if members, ok := d.cache.Get(conversationID); ok {
		d.observe(true)
		return append([]uuid.UUID(nil), members...), nil
	}
	d.observe(false)

	members, err := d.source.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	d.cache.Set(conversationID, append([]uuid.UUID(nil), members...), 0)
	return members, nil
}

// Invalidate drops a conversation's cached membership
func (d *DirectoryCache) Invalidate(conversationID uuid.UUID) {
	d.cache.Delete(conversationID)
}

// StartCleanup periodically purges expired entries
func (d *DirectoryCache) StartCleanup(interval time.Duration) func() {
	return d.cache.StartCleanup(interval)
}

func (d *DirectoryCache) observe(hit bool) {
	if d.recorder != nil {
		d.recorder.RecordCacheLookup("conversation_directory", hit)
	}
}
