package model

import (
	"encoding/json"
	"strings"
	"time"
)

// AlertRule is a persisted condition to watch and the channels to notify when it is met.
type AlertRule struct {
	ID              string
	Name            string
	Type            RuleType
	Severity        string
	Labels          LabelMap
	Condition       Condition
	ChannelIDs      []string
	Cooldown        time.Duration
	Enabled         bool
	LastTriggeredAt *time.Time
	LastEvaluatedAt *time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InCooldown reports whether a rule that fired at LastTriggeredAt must still be skipped at now.
func (r *AlertRule) InCooldown(now time.Time) bool {
	if r.LastTriggeredAt == nil || r.Cooldown <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggeredAt) < r.Cooldown
}

// Validate checks the static shape of a rule. Channel existence is not checked here.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ConfigErrorf("name", "required")
	}
	if !r.Type.Valid() {
		return ConfigErrorf("rule_type", "unsupported rule type %q", r.Type)
	}
	if strings.TrimSpace(r.Severity) == "" {
		return ConfigErrorf("severity", "required")
	}
	if r.Cooldown < 0 {
		return ConfigErrorf("cooldown_seconds", "must not be negative")
	}
	if r.Condition == nil {
		return ConfigErrorf("condition", "required")
	}
	if r.Condition.Type() != r.Type {
		return ConfigErrorf("condition", "payload is %s but rule_type is %s", r.Condition.Type(), r.Type)
	}
	for i, id := range r.ChannelIDs {
		if strings.TrimSpace(id) == "" {
			return ConfigErrorf("channels", "entry %d is empty", i)
		}
	}
	return r.Condition.Validate()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *AlertRule) Clone() *AlertRule {
	if r == nil {
		return nil
	}
	out := *r
	out.Labels = r.Labels.Clone()
	out.ChannelIDs = append([]string(nil), r.ChannelIDs...)
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	if r.LastEvaluatedAt != nil {
		t := *r.LastEvaluatedAt
		out.LastEvaluatedAt = &t
	}
	return &out
}

type ruleJSON struct {
	ID              string          `json:"rule_id"`
	Name            string          `json:"name"`
	Type            RuleType        `json:"rule_type"`
	Severity        string          `json:"severity"`
	Labels          LabelMap        `json:"labels,omitempty"`
	Condition       json.RawMessage `json:"condition"`
	ChannelIDs      []string        `json:"notification_channel_ids"`
	CooldownSeconds int64           `json:"cooldown_seconds"`
	Enabled         bool            `json:"enabled"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	LastEvaluatedAt *time.Time      `json:"last_evaluated_at,omitempty"`
	LastError       string          `json:"last_evaluation_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (r AlertRule) MarshalJSON() ([]byte, error) {
	var cond json.RawMessage
	if r.Condition != nil {
		b, err := json.Marshal(r.Condition)
		if err != nil {
			return nil, err
		}
		cond = b
	}
	channels := r.ChannelIDs
	if channels == nil {
		channels = []string{}
	}
	return json.Marshal(ruleJSON{
		ID:              r.ID,
		Name:            r.Name,
		Type:            r.Type,
		Severity:        r.Severity,
		Labels:          r.Labels,
		Condition:       cond,
		ChannelIDs:      channels,
		CooldownSeconds: int64(r.Cooldown / time.Second),
		Enabled:         r.Enabled,
		LastTriggeredAt: r.LastTriggeredAt,
		LastEvaluatedAt: r.LastEvaluatedAt,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	})
}

func (r *AlertRule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = AlertRule{
		ID:              in.ID,
		Name:            in.Name,
		Type:            RuleType(strings.ToUpper(string(in.Type))),
		Severity:        in.Severity,
		Labels:          in.Labels,
		ChannelIDs:      in.ChannelIDs,
		Cooldown:        time.Duration(in.CooldownSeconds) * time.Second,
		Enabled:         in.Enabled,
		LastTriggeredAt: in.LastTriggeredAt,
		LastEvaluatedAt: in.LastEvaluatedAt,
		LastError:       in.LastError,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       in.UpdatedAt,
	}
	if len(in.Condition) > 0 && string(in.Condition) != "null" {
		c, err := DecodeCondition(r.Type, in.Condition)
		if err != nil {
			return err
		}
		r.Condition = c
	}
	return nil
}

// EvaluationResult is produced and consumed within one scheduler tick.
type EvaluationResult struct {
	RuleID       string         `json:"rule_id"`
	ConditionMet bool           `json:"condition_met"`
	Evidence     map[string]any `json:"evidence"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
	// WindowKey is the due-window mark a scheduled rule claimed during evaluation.
	WindowKey string `json:"-"`
}

// CopyEvidence returns a shallow copy of the evidence map.
func (r EvaluationResult) CopyEvidence() map[string]any {
	out := make(map[string]any, len(r.Evidence))
	for k, v := range r.Evidence {
		out[k] = v
	}
	return out
}
