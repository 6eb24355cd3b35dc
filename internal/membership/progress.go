// progress.go implements pull-based progress tracking for bulk operations. A record is written
// before the first item, after every item and once more when the batch completes.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tenderdesk/orggov/internal/apperror"
)

// Progress is the pollable state of one bulk operation.
type Progress struct {
	OperationID      string    `json:"operation_id"`
	Total            int       `json:"total"`
	Processed        int       `json:"processed"`
	Failed           int       `json:"failed"`
	CurrentOperation string    `json:"current_operation"`
	IsComplete       bool      `json:"is_complete"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProgressStore keeps progress records keyed by operation id. Get returns (nil, nil) for an
// unknown or expired id.
type ProgressStore interface {
	SetProgress(ctx context.Context, p Progress) error
	GetProgress(ctx context.Context, operationID string) (*Progress, error)
}

// GetProgress returns the progress of a bulk operation started by this or any other instance
// sharing the progress store.
func (s *Service) GetProgress(ctx context.Context, operationID string) (p *Progress, err error) {
	defer apperror.Recover(&err)

	if operationID == "" {
		return nil, apperror.Validation("Operation id is required")
	}
	p, err = s.progress.GetProgress(ctx, operationID)
	if err != nil {
		return nil, apperror.Internal("failed to load progress", err)
	}
	if p == nil {
		return nil, apperror.NotFound("Operation not found")
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

type progressEntry struct {
	progress  Progress
	expiresAt time.Time
}

// MemoryProgressStore is a ProgressStore for a single process.
type MemoryProgressStore struct {
	mu      sync.Mutex
	entries map[string]progressEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryProgressStore(ttl time.Duration) *MemoryProgressStore {
	return &MemoryProgressStore{
		entries: make(map[string]progressEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (m *MemoryProgressStore) WithClock(now func() time.Time) *MemoryProgressStore {
	m.now = now
	return m
}

func (m *MemoryProgressStore) SetProgress(_ context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
	m.entries[p.OperationID] = progressEntry{progress: p, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryProgressStore) GetProgress(_ context.Context, operationID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, nil
	}
	p := e.progress
	return &p, nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisProgressStore keeps progress records as JSON strings with a TTL, so any instance can
// answer a poll for a batch running on another.
type RedisProgressStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisProgressStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisProgressStore {
	return &RedisProgressStore{rdb: rdb, prefix: prefix + "bulk:progress:", ttl: ttl}
}

func (r *RedisProgressStore) SetProgress(ctx context.Context, p Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+p.OperationID, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

func (r *RedisProgressStore) GetProgress(ctx context.Context, operationID string) (*Progress, error) {
	payload, err := r.rdb.Get(ctx, r.prefix+operationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}
