package ruleset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// MemStore keeps rules in process memory. It backs tests and database-less deployments.
type MemStore struct {
	mu    sync.RWMutex
	rules map[string]*model.AlertRule
	logs  []*ChangeLog
}

func NewMemStore() *MemStore {
	return &MemStore{rules: map[string]*model.AlertRule{}}
}

func (m *MemStore) list(enabledOnly bool) []*model.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemStore) ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error) {
	return m.list(true), nil
}

func (m *MemStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	return m.list(false), nil
}

func (m *MemStore) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return fmt.Errorf("rule %s: %w", r.ID, model.ErrConflict)
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, model.ErrNotFound)
	}
	next := r.Clone()
	next.Type = cur.Type
	next.LastTriggeredAt = cur.LastTriggeredAt
	next.LastEvaluatedAt = cur.LastEvaluatedAt
	next.LastError = cur.LastError
	next.CreatedAt = cur.CreatedAt
	m.rules[r.ID] = next
	return nil
}

func (m *MemStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemStore) UpdateLastTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	r.LastTriggeredAt = &at
	return nil
}

func (m *MemStore) RecordEvaluation(ctx context.Context, id string, at time.Time, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		r.LastEvaluatedAt = &at
		r.LastError = errText
	}
	return nil
}

func (m *MemStore) InsertChangeLog(ctx context.Context, cl *ChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, cl)
	return nil
}

// ChangeLogs returns the recorded change logs in insertion order.
func (m *MemStore) ChangeLogs() []*ChangeLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ChangeLog(nil), m.logs...)
}

func (m *MemStore) WithTx(ctx context.Context, fn func(Store) error) error { return fn(m) }
