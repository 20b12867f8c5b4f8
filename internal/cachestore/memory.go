package cachestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/models"
)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type memoryScore struct {
	score float64
	seq   uint64
}

// memoryBackend implements the Backend primitives in process. It backs the
// DRY_RUN mode and the test suites, so the binary stays runnable without a
// redis deployment. Sorted-set ties are broken by insertion order, which
// keeps eviction stable when scores collide.
type memoryBackend struct {
	mu     sync.Mutex
	values map[string]memoryValue
	zsets  map[string]map[string]memoryScore
	seq    uint64
}

func NewMemoryBackend() Backend {
	return &memoryBackend{
		values: make(map[string]memoryValue),
		zsets:  make(map[string]map[string]memoryScore),
	}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.values[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !value.expiresAt.IsZero() && time.Now().After(value.expiresAt) {
		delete(m.values, key)
		return nil, models.ErrNotFound
	}
	return value.data, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if expiration > 0 {
		expiresAt = time.Now().Add(expiration)
	}
	m.values[key] = memoryValue{data: value, expiresAt: expiresAt}
	return nil
}

func (m *memoryBackend) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

func (m *memoryBackend) ZAdd(_ context.Context, set string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset, ok := m.zsets[set]
	if !ok {
		zset = make(map[string]memoryScore)
		m.zsets[set] = zset
	}

	existing, ok := zset[member]
	if ok {
		existing.score = score
		zset[member] = existing
		return nil
	}

	m.seq++
	zset[member] = memoryScore{score: score, seq: m.seq}
	return nil
}

func (m *memoryBackend) ZRange(_ context.Context, set string, start int64, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset := m.zsets[set]
	members := make([]string, 0, len(zset))
	for member := range zset {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := zset[members[i]], zset[members[j]]
		if a.score != b.score {
			return a.score < b.score
		}
		return a.seq < b.seq
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return []string{}, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1], nil
}

func (m *memoryBackend) ZRem(_ context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset := m.zsets[set]
	for _, member := range members {
		delete(zset, member)
	}
	return nil
}

func (m *memoryBackend) ZCard(_ context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.zsets[set])), nil
}

func (m *memoryBackend) Ping(_ context.Context) error {
	return nil
}

func (m *memoryBackend) Close() error {
	return nil
}
