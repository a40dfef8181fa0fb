package ruleset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// ChangeLog captures before/after rule snapshots for auditing.
type ChangeLog struct {
	ID         string           // external id for de-duplication
	RuleID     string           // affected rule
	ChangeType string           // Create | Update | Delete
	Old        *model.AlertRule // nil on Create
	New        *model.AlertRule // nil on Delete
	ChangeTime time.Time
}

// Store abstracts persistence of rule definitions and per-rule runtime state.
type Store interface {
	ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error)
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
	GetRule(ctx context.Context, id string) (*model.AlertRule, error)
	CreateRule(ctx context.Context, r *model.AlertRule) error
	UpdateRule(ctx context.Context, r *model.AlertRule) error
	DeleteRule(ctx context.Context, id string) error

	// UpdateLastTriggered records when the rule last raised an incident.
	UpdateLastTriggered(ctx context.Context, id string, at time.Time) error
	// RecordEvaluation stores the outcome of the latest evaluation; errText is empty on success.
	RecordEvaluation(ctx context.Context, id string, at time.Time, errText string) error

	InsertChangeLog(ctx context.Context, log *ChangeLog) error

	// WithTx calls fn with a Store whose writes commit or roll back together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ChangeNotifier is told when the rule set changed so it can re-evaluate without waiting a full interval.
type ChangeNotifier interface {
	RulesChanged()
}

// RulePatch is a partial update. Nil fields are left untouched.
type RulePatch struct {
	Name            *string         `json:"name,omitempty"`
	RuleType        *model.RuleType `json:"rule_type,omitempty"`
	Severity        *string         `json:"severity,omitempty"`
	Labels          *model.LabelMap `json:"labels,omitempty"`
	Condition       json.RawMessage `json:"condition,omitempty"`
	ChannelIDs      *[]string       `json:"notification_channel_ids,omitempty"`
	CooldownSeconds *int64          `json:"cooldown_seconds,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}
