package rollout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the rollout state of one feature. The controller treats it as the
// single source of truth.
type Store interface {
	GetStatus(ctx context.Context) (Status, error)
	SetPercentageAndStage(ctx context.Context, stage Stage, percentage int, startedAt time.Time) error
	AppendHistoryEntry(ctx context.Context, e HistoryEntry) error
	SetTenantOverride(ctx context.Context, tenantID string, enable bool) error

	SetLastHealthCheck(ctx context.Context, r HealthCheckResult) error
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// MemStore keeps rollout state in process memory.
type MemStore struct {
	mu        sync.Mutex
	status    Status
	overrides map[string]bool
	history   []HistoryEntry
}

// NewMemStore starts from initial; tenant lists in initial seed the overrides.
func NewMemStore(initial Status) *MemStore {
	m := &MemStore{status: initial, overrides: map[string]bool{}}
	for _, t := range initial.EnabledTenants {
		m.overrides[t] = true
	}
	for _, t := range initial.DisabledTenants {
		m.overrides[t] = false
	}
	return m
}

func (m *MemStore) GetStatus(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.EnabledTenants, st.DisabledTenants = splitOverrides(m.overrides)
	if m.status.LastHealthCheck != nil {
		r := *m.status.LastHealthCheck
		st.LastHealthCheck = &r
	}
	return st, nil
}

func (m *MemStore) SetPercentageAndStage(ctx context.Context, stage Stage, percentage int, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.CurrentStage = stage
	m.status.Percentage = percentage
	m.status.Enabled = percentage > 0
	m.status.StageStartedAt = startedAt
	return nil
}

func (m *MemStore) AppendHistoryEntry(ctx context.Context, e HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *MemStore) SetTenantOverride(ctx context.Context, tenantID string, enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[tenantID] = enable
	return nil
}

func (m *MemStore) SetLastHealthCheck(ctx context.Context, r HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastHealthCheck = &r
	return nil
}

// ListHistory returns newest first. limit <= 0 returns all.
func (m *MemStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for i := len(m.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.history[i])
	}
	return out, nil
}

func splitOverrides(overrides map[string]bool) (enabled, disabled []string) {
	enabled, disabled = []string{}, []string{}
	for t, on := range overrides {
		if on {
			enabled = append(enabled, t)
		} else {
			disabled = append(disabled, t)
		}
	}
	sort.Strings(enabled)
	sort.Strings(disabled)
	return enabled, disabled
}
