package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

const (
	dataKeyPrefix = "fleetinsight:cache:data:"
	lruSetKey     = "fleetinsight:cache:lru"
)

// Config bounds the cache. MaxMemoryMB is advisory only, eviction is driven
// purely by entry count.
type Config struct {
	MaxCacheSize      int
	EvictionBatchSize int
	MaxMemoryMB       int
	MemoryTierTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCacheSize:      1000,
		EvictionBatchSize: 10,
		MaxMemoryMB:       256,
		MemoryTierTTL:     10 * time.Second,
	}
}

// Store is the bounded cache for collected device data. Entries live in the
// durable backend, a short-lived in-process tier sits in front of it to keep
// hot reads off the network. The LRU order is a sorted set in the backend
// scored by last access.
type Store struct {
	backend Backend
	memTier *gocache.Cache
	cfg     Config
	onEvict func(count int)

	// lastScore forces strictly increasing access scores, wall clock
	// resolution alone can produce ties under load
	scoreMu   sync.Mutex
	lastScore float64

	sizeMu sync.Mutex
	sizes  map[string]int

	// serializes capacity enforcement, reads and writes are not blocked by it
	evictMu sync.Mutex
}

type Option func(*Store)

// WithEvictionCallback registers a hook invoked with the number of entries
// removed by each eviction round.
func WithEvictionCallback(callback func(count int)) Option {
	return func(s *Store) {
		s.onEvict = callback
	}
}

func NewStore(backend Backend, cfg Config, options ...Option) *Store {
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultConfig().MaxCacheSize
	}
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = DefaultConfig().EvictionBatchSize
	}
	if cfg.MemoryTierTTL <= 0 {
		cfg.MemoryTierTTL = DefaultConfig().MemoryTierTTL
	}

	s := &Store{
		backend: backend,
		memTier: gocache.New(cfg.MemoryTierTTL, 2*cfg.MemoryTierTTL),
		cfg:     cfg,
		sizes:   make(map[string]int),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Store) Config() Config {
	return s.cfg
}

// entryKey hashes the composite (data type, device) key into the member
// string used for both the data key and the LRU order.
func entryKey(dataType string, deviceID uuid.UUID) string {
	var b strings.Builder
	b.WriteString(dataType)
	b.WriteRune('*') // cannot occur in a data type, safe separator
	b.WriteString(deviceID.String())
	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}

func validateKey(dataType string, deviceID uuid.UUID) error {
	if dataType == "" || deviceID == uuid.Nil {
		return models.ErrInvalidKey
	}
	return nil
}

// Get looks up the cached envelope for a device/data-type pair. A hit
// refreshes the LRU order. Backend failures are treated as misses so a broken
// cache degrades to re-collection instead of failing the caller.
func (s *Store) Get(ctx context.Context, dataType string, deviceID uuid.UUID) (models.Envelope, bool, error) {
	var envelope models.Envelope
	if err := validateKey(dataType, deviceID); err != nil {
		return envelope, false, err
	}
	member := entryKey(dataType, deviceID)

	if value, ok := s.memTier.Get(member); ok {
		envelope = value.(models.Envelope)
		s.touch(ctx, member)
		return envelope, true, nil
	}

	raw, err := s.backend.Get(ctx, dataKeyPrefix+member)
	if errors.Is(err, models.ErrNotFound) {
		return envelope, false, nil
	}
	if err != nil {
		zap.S().Warnf("Cache backend get failed for %s/%s, treating as miss: %s", dataType, deviceID, err)
		return envelope, false, nil
	}

	err = json.Unmarshal(raw, &envelope)
	if err != nil {
		zap.S().Warnf("Corrupt cache entry for %s/%s, treating as miss: %s", dataType, deviceID, err)
		return models.Envelope{}, false, nil
	}

	s.touch(ctx, member)
	s.memTier.SetDefault(member, envelope)
	return envelope, true, nil
}

// Set upserts the envelope, refreshes the LRU order and then enforces the
// entry-count bound. Concurrent writes to the same key are last-write-wins.
func (s *Store) Set(ctx context.Context, dataType string, deviceID uuid.UUID, envelope models.Envelope) error {
	if err := validateKey(dataType, deviceID); err != nil {
		return err
	}
	member := entryKey(dataType, deviceID)

	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	err = s.backend.Set(ctx, dataKeyPrefix+member, raw, 0)
	if err != nil {
		return err
	}

	s.touch(ctx, member)
	s.memTier.SetDefault(member, envelope)

	s.sizeMu.Lock()
	s.sizes[member] = len(raw)
	s.sizeMu.Unlock()

	s.enforceCapacity(ctx)
	return nil
}

// Delete removes the entry together with its LRU record. Deleting an absent
// key is not an error and reports found=false.
func (s *Store) Delete(ctx context.Context, dataType string, deviceID uuid.UUID) (bool, error) {
	if err := validateKey(dataType, deviceID); err != nil {
		return false, err
	}
	member := entryKey(dataType, deviceID)

	_, err := s.backend.Get(ctx, dataKeyPrefix+member)
	found := true
	if errors.Is(err, models.ErrNotFound) {
		found = false
	} else if err != nil {
		return false, err
	}

	err = s.backend.Del(ctx, dataKeyPrefix+member)
	if err != nil {
		return false, err
	}
	err = s.backend.ZRem(ctx, lruSetKey, member)
	if err != nil {
		return false, err
	}
	s.forget(member)
	return found, nil
}

// EntryCount returns the number of entries currently tracked in the LRU order.
func (s *Store) EntryCount(ctx context.Context) (int64, error) {
	return s.backend.ZCard(ctx, lruSetKey)
}

// MemoryUsageBytes returns the approximate serialized size of all entries
// written by this process. Advisory only.
func (s *Store) MemoryUsageBytes() int64 {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	var total int64
	for _, size := range s.sizes {
		total += int64(size)
	}
	return total
}

func (s *Store) nextScore() float64 {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()

	score := float64(time.Now().UnixMicro())
	if score <= s.lastScore {
		score = s.lastScore + 1
	}
	s.lastScore = score
	return score
}

func (s *Store) touch(ctx context.Context, member string) {
	err := s.backend.ZAdd(ctx, lruSetKey, s.nextScore(), member)
	if err != nil {
		zap.S().Warnf("Failed to update LRU order for %s: %s", member, err)
	}
}

func (s *Store) forget(member string) {
	s.memTier.Delete(member)
	s.sizeMu.Lock()
	delete(s.sizes, member)
	s.sizeMu.Unlock()
}

// enforceCapacity evicts least-recently-used entries in batches until the
// entry count is back at or below MaxCacheSize. Each batch is capped at the
// current overage so the store is never drained below the limit.
func (s *Store) enforceCapacity(ctx context.Context) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	count, err := s.backend.ZCard(ctx, lruSetKey)
	if err != nil {
		zap.S().Warnf("Failed to read cache size, skipping capacity enforcement: %s", err)
		return
	}

	for count > int64(s.cfg.MaxCacheSize) {
		batch := int64(s.cfg.EvictionBatchSize)
		overage := count - int64(s.cfg.MaxCacheSize)
		if overage < batch {
			batch = overage
		}

		members, err := s.backend.ZRange(ctx, lruSetKey, 0, batch-1)
		if err != nil {
			zap.S().Errorf("Failed to read LRU order during eviction: %s", err)
			return
		}
		if len(members) == 0 {
			return
		}

		dataKeys := make([]string, len(members))
		for i, member := range members {
			dataKeys[i] = dataKeyPrefix + member
		}
		err = s.backend.Del(ctx, dataKeys...)
		if err != nil {
			zap.S().Errorf("Failed to delete evicted cache entries: %s", err)
			return
		}
		err = s.backend.ZRem(ctx, lruSetKey, members...)
		if err != nil {
			zap.S().Errorf("Failed to remove evicted LRU records: %s", err)
			return
		}
		for _, member := range members {
			s.forget(member)
		}

		if s.onEvict != nil {
			s.onEvict(len(members))
		}
		count -= int64(len(members))
		zap.S().Debugf("Evicted %d cache entries, %d remaining", len(members), count)
	}
}
