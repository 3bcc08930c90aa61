package ruleset

import (
	"context"
	"sync"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

const memHistoryLimit = 1000

// MemStore keeps rules and archived alerts in process memory.
type MemStore struct {
	mu      sync.Mutex
	rules   map[string]model.AlertRule
	order   []string
	history []model.Alert
}

func NewMemStore() *MemStore {
	return &MemStore{rules: map[string]model.AlertRule{}}
}

func (m *MemStore) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AlertRule, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rules[id].Clone())
	}
	return out, nil
}

func (m *MemStore) SaveRule(ctx context.Context, r model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return nil
	}
	delete(m.rules, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemStore) ArchiveAlert(ctx context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, a.Clone())
	if over := len(m.history) - memHistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	return nil
}

func (m *MemStore) ListAlertHistory(ctx context.Context, limit int) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for i := len(m.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.history[i].Clone())
	}
	return out, nil
}
