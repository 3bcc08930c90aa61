package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateWindow = time.Minute

// slidingWindow counts delivery attempts per channel over the trailing minute.
// Callers hold the dispatcher lock.
type slidingWindow struct {
	hits map[ChannelKind][]time.Time
}

func newSlidingWindow() *slidingWindow {
	return &slidingWindow{hits: make(map[ChannelKind][]time.Time)}
}

func (w *slidingWindow) count(k ChannelKind, now time.Time) int {
	w.prune(k, now)
	return len(w.hits[k])
}

func (w *slidingWindow) record(k ChannelKind, now time.Time) {
	w.hits[k] = append(w.hits[k], now)
}

// prune drops timestamps at or before now-1m; hits are appended in time order.
func (w *slidingWindow) prune(k ChannelKind, now time.Time) int {
	ts := w.hits[k]
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) >= rateWindow {
		cut++
	}
	if cut == 0 {
		return 0
	}
	if cut == len(ts) {
		delete(w.hits, k)
	} else {
		w.hits[k] = append(ts[:0:0], ts[cut:]...)
	}
	return cut
}

func (w *slidingWindow) sweep(now time.Time) int {
	removed := 0
	for k := range w.hits {
		removed += w.prune(k, now)
	}
	return removed
}

// DedupMarker shares the send-dedup record between dispatcher instances.
type DedupMarker interface {
	// Mark stores key for ttl and reports false when the key was already present.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unmark removes key after a send that reached no channel.
	Unmark(ctx context.Context, key string) error
}

// RedisDedupMarker keeps dedup keys in Redis with a TTL equal to the dedup window.
type RedisDedupMarker struct {
	redis  *redis.Client
	prefix string
}

func NewRedisDedupMarker(rdb *redis.Client) *RedisDedupMarker {
	return &RedisDedupMarker{redis: rdb, prefix: "notify:dedup:"}
}

func (m *RedisDedupMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if m.redis == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	ok, err := m.redis.SetNX(ctx, m.prefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark dedup key: %w", err)
	}
	return ok, nil
}

func (m *RedisDedupMarker) Unmark(ctx context.Context, key string) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := m.redis.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("unmark dedup key: %w", err)
	}
	return nil
}
