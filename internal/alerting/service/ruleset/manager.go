package ruleset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// ChannelLookup resolves channel ids referenced by rules.
type ChannelLookup interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
}

// Manager validates rule definitions, persists them with a change log, and tells the
// scheduler that the rule set changed.
type Manager struct {
	store    Store
	notifier ChangeNotifier
	channels ChannelLookup
	aliasMap map[string]string
	now      func() time.Time
}

func NewManager(store Store, notifier ChangeNotifier, aliasMap map[string]string) *Manager {
	if aliasMap == nil {
		aliasMap = map[string]string{}
	}
	return &Manager{store: store, notifier: notifier, aliasMap: aliasMap, now: time.Now}
}

// WithChannels enables existence checks of notification channel ids on write.
func (m *Manager) WithChannels(c ChannelLookup) *Manager {
	m.channels = c
	return m
}

func (m *Manager) GetRule(ctx context.Context, id string) (*model.AlertRule, error) {
	return m.store.GetRule(ctx, id)
}

func (m *Manager) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	return m.store.ListRules(ctx)
}

// CreateRule validates def and stores it. An empty ID gets a generated one.
func (m *Manager) CreateRule(ctx context.Context, def *model.AlertRule) (*model.AlertRule, error) {
	if def == nil {
		return nil, model.ConfigErrorf("", "rule definition required")
	}
	r := def.Clone()
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Type = model.RuleType(strings.ToUpper(string(r.Type)))
	r.Labels = model.NormalizeLabels(r.Labels, m.aliasMap)
	r.LastTriggeredAt, r.LastEvaluatedAt, r.LastError = nil, nil, ""
	if err := m.validate(ctx, r); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	err := m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRule(ctx, r); err != nil {
			return err
		}
		return tx.InsertChangeLog(ctx, m.changeLog(r.ID, nil, r))
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("rule_id", r.ID).Str("rule_type", string(r.Type)).Msg("alert rule created")
	m.changed()
	return r, nil
}

// UpdateRule applies patch to rule id. Changing rule_type is rejected; a new rule is required.
func (m *Manager) UpdateRule(ctx context.Context, id string, patch RulePatch) (*model.AlertRule, error) {
	var updated *model.AlertRule
	err := m.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		next, err := m.apply(old, patch)
		if err != nil {
			return err
		}
		if err := m.validate(ctx, next); err != nil {
			return err
		}
		next.UpdatedAt = m.now().UTC()
		if err := tx.UpdateRule(ctx, next); err != nil {
			return err
		}
		updated = next
		return tx.InsertChangeLog(ctx, m.changeLog(id, old, next))
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("rule_id", id).Msg("alert rule updated")
	m.changed()
	return updated, nil
}

func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	err := m.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteRule(ctx, id); err != nil {
			return err
		}
		return tx.InsertChangeLog(ctx, m.changeLog(id, old, nil))
	})
	if err != nil {
		return err
	}
	log.Info().Str("rule_id", id).Msg("alert rule deleted")
	m.changed()
	return nil
}

func (m *Manager) apply(old *model.AlertRule, p RulePatch) (*model.AlertRule, error) {
	next := old.Clone()
	if p.RuleType != nil && model.RuleType(strings.ToUpper(string(*p.RuleType))) != old.Type {
		return nil, model.ConfigErrorf("rule_type", "cannot change %s rule to %s; create a new rule", old.Type, *p.RuleType)
	}
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Severity != nil {
		next.Severity = *p.Severity
	}
	if p.Labels != nil {
		next.Labels = model.NormalizeLabels(*p.Labels, m.aliasMap)
	}
	if len(p.Condition) > 0 {
		c, err := model.DecodeCondition(old.Type, p.Condition)
		if err != nil {
			return nil, err
		}
		next.Condition = c
	}
	if p.ChannelIDs != nil {
		next.ChannelIDs = append([]string(nil), (*p.ChannelIDs)...)
	}
	if p.CooldownSeconds != nil {
		next.Cooldown = time.Duration(*p.CooldownSeconds) * time.Second
	}
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	return next, nil
}

func (m *Manager) validate(ctx context.Context, r *model.AlertRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if m.channels == nil {
		return nil
	}
	for _, id := range r.ChannelIDs {
		if _, err := m.channels.GetChannel(ctx, id); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ConfigErrorf("notification_channel_ids", "unknown channel %q", id)
			}
			return fmt.Errorf("lookup channel %s: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) changeLog(ruleID string, old, next *model.AlertRule) *ChangeLog {
	now := m.now().UTC()
	return &ChangeLog{
		ID:         fmt.Sprintf("%s-%d", ruleID, now.UnixNano()),
		RuleID:     ruleID,
		ChangeType: classifyChange(old, next),
		Old:        old,
		New:        next,
		ChangeTime: now,
	}
}

func classifyChange(old, next *model.AlertRule) string {
	if old == nil && next != nil {
		return "Create"
	}
	if old != nil && next == nil {
		return "Delete"
	}
	return "Update"
}

func (m *Manager) changed() {
	if m.notifier != nil {
		m.notifier.RulesChanged()
	}
}
