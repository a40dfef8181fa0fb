package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

type countingNotifier struct{ n int }

func (c *countingNotifier) RulesChanged() { c.n++ }

type channelSet map[string]bool

func (s channelSet) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	if !s[id] {
		return nil, fmt.Errorf("channel %s: %w", id, model.ErrNotFound)
	}
	return &model.Channel{ID: id, Type: model.ChannelWebhook, Enabled: true}, nil
}

func cpuRule() *model.AlertRule {
	return &model.AlertRule{
		Name:       "cpu high",
		Type:       "threshold",
		Severity:   "P1",
		Labels:     model.LabelMap{"Service": "s3", "service_version": "v1"},
		Condition:  &model.ThresholdCondition{Metric: "cpu", Operator: ">", Threshold: 80},
		ChannelIDs: []string{"ops-webhook"},
		Enabled:    true,
	}
}

func TestManager_CreateRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	notifier := &countingNotifier{}
	mgr := NewManager(store, notifier, map[string]string{"service_version": "version"}).
		WithChannels(channelSet{"ops-webhook": true})

	r, err := mgr.CreateRule(ctx, cpuRule())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if r.ID == "" || r.Type != model.RuleTypeThreshold {
		t.Fatalf("unexpected rule: %#v", r)
	}
	// verify normalization
	if got := model.CanonicalLabelKey(r.Labels); got != "service=s3|version=v1" {
		t.Fatalf("labels not normalized: %s", got)
	}
	stored, err := store.GetRule(ctx, r.ID)
	if err != nil || stored.Name != "cpu high" {
		t.Fatalf("stored rule mismatch: %#v %v", stored, err)
	}
	logs := store.ChangeLogs()
	if len(logs) != 1 || logs[0].ChangeType != "Create" || logs[0].Old != nil {
		t.Fatalf("unexpected change logs: %#v", logs)
	}
	if notifier.n != 1 {
		t.Fatalf("expected scheduler to be notified once, got %d", notifier.n)
	}

	// duplicate id
	dup := cpuRule()
	dup.ID = r.ID
	if _, err := mgr.CreateRule(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestManager_CreateRuleRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemStore(), nil, nil).WithChannels(channelSet{"ops-webhook": true})

	tests := []struct {
		name   string
		mutate func(r *model.AlertRule)
	}{
		{"bad operator", func(r *model.AlertRule) { r.Condition = &model.ThresholdCondition{Metric: "cpu", Operator: "=>", Threshold: 1} }},
		{"bad regex", func(r *model.AlertRule) {
			r.Type = model.RuleTypePattern
			r.Condition = &model.PatternCondition{Metric: "log", Pattern: "disk (full"}
		}},
		{"bad cron", func(r *model.AlertRule) {
			r.Type = model.RuleTypeScheduled
			r.Condition = &model.ScheduledCondition{Schedule: "every day"}
		}},
		{"type mismatch", func(r *model.AlertRule) { r.Type = model.RuleTypeAnomaly }},
		{"unknown channel", func(r *model.AlertRule) { r.ChannelIDs = []string{"missing"} }},
		{"no name", func(r *model.AlertRule) { r.Name = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := cpuRule()
			tt.mutate(r)
			_, err := mgr.CreateRule(ctx, r)
			if !model.IsConfigurationError(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestManager_UpdateRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	notifier := &countingNotifier{}
	mgr := NewManager(store, notifier, nil)

	r, err := mgr.CreateRule(ctx, cpuRule())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	cooldown := int64(300)
	disabled := false
	patch := RulePatch{
		Condition:       json.RawMessage(`{"metric":"cpu","operator":">=","threshold":90}`),
		CooldownSeconds: &cooldown,
		Enabled:         &disabled,
	}
	updated, err := mgr.UpdateRule(ctx, r.ID, patch)
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	th, ok := updated.Condition.(*model.ThresholdCondition)
	if !ok || th.Threshold != 90 || th.Operator != ">=" {
		t.Fatalf("condition not updated: %#v", updated.Condition)
	}
	if updated.Cooldown.Seconds() != 300 || updated.Enabled {
		t.Fatalf("fields not updated: %#v", updated)
	}
	enabled, _ := store.ListEnabledRules(ctx)
	if len(enabled) != 0 {
		t.Fatalf("disabled rule still listed as enabled")
	}
	logs := store.ChangeLogs()
	if len(logs) != 2 || logs[1].ChangeType != "Update" || logs[1].Old == nil {
		t.Fatalf("expected update log, got: %#v", logs)
	}
	if notifier.n != 2 {
		t.Fatalf("expected 2 notifications, got %d", notifier.n)
	}
}

func TestManager_RuleTypeIsImmutable(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemStore(), nil, nil)
	r, err := mgr.CreateRule(ctx, cpuRule())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	anomaly := model.RuleTypeAnomaly
	_, err = mgr.UpdateRule(ctx, r.ID, RulePatch{RuleType: &anomaly})
	if !model.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	same := model.RuleType("threshold")
	if _, err := mgr.UpdateRule(ctx, r.ID, RulePatch{RuleType: &same}); err != nil {
		t.Fatalf("same type must be accepted: %v", err)
	}
}

func TestManager_DeleteRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	mgr := NewManager(store, nil, nil)
	r, err := mgr.CreateRule(ctx, cpuRule())
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if err := mgr.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.GetRule(ctx, r.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mgr.DeleteRule(ctx, r.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	logs := store.ChangeLogs()
	if logs[len(logs)-1].ChangeType != "Delete" {
		t.Fatalf("expected delete log, got %#v", logs[len(logs)-1])
	}
}
