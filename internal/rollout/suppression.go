package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Suppression is the cooldown that follows an automatic rollback.
type Suppression struct {
	Feature   string        `json:"feature"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
}

// SuppressionWindow holds back health checks for a feature after a rollback.
type SuppressionWindow interface {
	Start(ctx context.Context, feature, reason string, d time.Duration) error
	// Active returns nil when no window is open.
	Active(ctx context.Context, feature string) (*Suppression, error)
	Clear(ctx context.Context, feature string) error
}

// MemorySuppressionWindow keeps windows in process memory.
type MemorySuppressionWindow struct {
	mu      sync.Mutex
	windows map[string]Suppression
	now     func() time.Time
}

func NewMemorySuppressionWindow(now func() time.Time) *MemorySuppressionWindow {
	if now == nil {
		now = time.Now
	}
	return &MemorySuppressionWindow{windows: map[string]Suppression{}, now: now}
}

func (m *MemorySuppressionWindow) Start(ctx context.Context, feature, reason string, d time.Duration) error {
	now := m.now()
	m.mu.Lock()
	m.windows[feature] = Suppression{Feature: feature, Reason: reason, Duration: d, StartTime: now, EndTime: now.Add(d)}
	m.mu.Unlock()
	return nil
}

func (m *MemorySuppressionWindow) Active(ctx context.Context, feature string) (*Suppression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[feature]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(w.EndTime) {
		delete(m.windows, feature)
		return nil, nil
	}
	return &w, nil
}

func (m *MemorySuppressionWindow) Clear(ctx context.Context, feature string) error {
	m.mu.Lock()
	delete(m.windows, feature)
	m.mu.Unlock()
	return nil
}

// RedisSuppressionWindow stores windows in Redis so every replica observes the
// same cooldown. Keys expire with the window.
type RedisSuppressionWindow struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisSuppressionWindow(rdb *redis.Client) *RedisSuppressionWindow {
	return &RedisSuppressionWindow{redis: rdb, now: time.Now}
}

func suppressionKey(feature string) string {
	return fmt.Sprintf("rollout:suppression:%s", feature)
}

func (m *RedisSuppressionWindow) Start(ctx context.Context, feature, reason string, d time.Duration) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	now := m.now()
	w := Suppression{Feature: feature, Reason: reason, Duration: d, StartTime: now, EndTime: now.Add(d)}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal suppression window: %w", err)
	}
	if err := m.redis.Set(ctx, suppressionKey(feature), data, d).Err(); err != nil {
		return fmt.Errorf("failed to store suppression window: %w", err)
	}
	log.Info().
		Str("feature", feature).
		Str("reason", reason).
		Dur("duration", d).
		Time("end_time", w.EndTime).
		Msg("started rollout suppression window")
	return nil
}

func (m *RedisSuppressionWindow) Active(ctx context.Context, feature string) (*Suppression, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := m.redis.Get(ctx, suppressionKey(feature)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get suppression window: %w", err)
	}
	var w Suppression
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suppression window: %w", err)
	}
	if !m.now().Before(w.EndTime) {
		m.redis.Del(ctx, suppressionKey(feature))
		return nil, nil
	}
	return &w, nil
}

func (m *RedisSuppressionWindow) Clear(ctx context.Context, feature string) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := m.redis.Del(ctx, suppressionKey(feature)).Err(); err != nil {
		return fmt.Errorf("failed to clear suppression window: %w", err)
	}
	return nil
}
