package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// Store persists incidents. UpdateStatus is a compare-and-set on the current status:
// it returns model.ErrNotFound for a missing incident and model.ErrInvalidState when the
// stored status is no longer from.
type Store interface {
	InsertIncident(ctx context.Context, inc *model.Incident) error
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	UpdateStatus(ctx context.Context, id string, from, to model.IncidentStatus, actor, notes string, at time.Time) error
	UpdateNotificationStatus(ctx context.Context, id string, st model.NotificationStatus) error
	ListIncidents(ctx context.Context, f model.IncidentFilter) ([]*model.Incident, error)
}

// MemStore is the in-process Store used by tests and database-less deployments.
type MemStore struct {
	mu        sync.RWMutex
	incidents map[string]*model.Incident
}

func NewMemStore() *MemStore {
	return &MemStore{incidents: map[string]*model.Incident{}}
}

func cloneIncident(in *model.Incident) *model.Incident {
	out := *in
	if in.Data != nil {
		out.Data = make(map[string]any, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	if in.AcknowledgedAt != nil {
		t := *in.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func (m *MemStore) InsertIncident(ctx context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %s: %w", inc.ID, model.ErrConflict)
	}
	m.incidents[inc.ID] = cloneIncident(inc)
	return nil
}

func (m *MemStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	return cloneIncident(inc), nil
}

func (m *MemStore) UpdateStatus(ctx context.Context, id string, from, to model.IncidentStatus, actor, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	if inc.Status != from {
		return fmt.Errorf("incident %s is %s: %w", id, inc.Status, model.ErrInvalidState)
	}
	inc.Status = to
	switch to {
	case model.IncidentAcknowledged:
		inc.AcknowledgedAt = &at
		inc.AcknowledgedBy = actor
	case model.IncidentResolved:
		inc.ResolvedAt = &at
		inc.ResolvedBy = actor
		inc.ResolutionNotes = notes
	}
	return nil
}

func (m *MemStore) UpdateNotificationStatus(ctx context.Context, id string, st model.NotificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, model.ErrNotFound)
	}
	inc.NotificationStatus = st
	return nil
}

func (m *MemStore) ListIncidents(ctx context.Context, f model.IncidentFilter) ([]*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Incident
	for _, inc := range m.incidents {
		if matches(inc, f) {
			out = append(out, cloneIncident(inc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(inc *model.Incident, f model.IncidentFilter) bool {
	if f.RuleID != "" && inc.RuleID != f.RuleID {
		return false
	}
	if !f.Since.IsZero() && inc.TriggeredAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inc.Status == s {
			return true
		}
	}
	return false
}
