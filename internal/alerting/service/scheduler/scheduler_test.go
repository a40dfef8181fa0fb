package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/evaluator"
	"github.com/qiniu/alertcore/internal/alerting/service/metricsource"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/statecache"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRaiser struct {
	mu     sync.Mutex
	raised []string
	err    error
}

func (c *countingRaiser) Raise(_ context.Context, rule *model.AlertRule, _ model.EvaluationResult) (*model.Incident, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.raised = append(c.raised, rule.ID)
	return &model.Incident{ID: fmt.Sprintf("inc-%d", len(c.raised)), RuleID: rule.ID}, nil
}

func (c *countingRaiser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.raised)
}

func thresholdRule(id string, cooldown time.Duration) *model.AlertRule {
	return &model.AlertRule{
		ID: id, Name: id, Type: model.RuleTypeThreshold, Severity: "P1",
		Condition: &model.ThresholdCondition{Metric: "error_rate", Operator: ">", Threshold: 10},
		Cooldown:  cooldown, Enabled: true,
	}
}

func newFixture(t *testing.T, guard CooldownGuard, raiser Raiser, rules ...*model.AlertRule) (*Scheduler, *ruleset.MemStore, *metricsource.MemorySource) {
	t.Helper()
	store := ruleset.NewMemStore()
	for _, r := range rules {
		require.NoError(t, store.CreateRule(context.Background(), r))
	}
	src := metricsource.NewMemorySource(0)
	s := New(Deps{
		Rules:     store,
		Evaluator: evaluator.New(src, statecache.NewMemoryCache(), time.Minute),
		Incidents: raiser,
		Guard:     guard,
		Metrics:   telemetry.NewMetrics(),
		Interval:  time.Minute,
	})
	return s, store, src
}

func TestCooldownInvariant(t *testing.T) {
	ctx := context.Background()
	raiser := &countingRaiser{}
	s, _, src := newFixture(t, nil, raiser, thresholdRule("r1", 5*time.Minute))
	src.Push(metricsource.Sample{Name: "error_rate", Value: 15, Timestamp: time.Now()})

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Second, time.Minute, 4*time.Minute + 59*time.Second} {
		s.now = func() time.Time { return t0.Add(offset) }
		require.NoError(t, s.RunOnce(ctx))
	}
	assert.Equal(t, 1, raiser.count(), "one incident per cooldown window")

	s.now = func() time.Time { return t0.Add(5 * time.Minute) }
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 2, raiser.count(), "cooldown elapsed")

	stats := s.Stats()
	assert.Equal(t, int64(5), stats.TotalEvaluations)
	assert.Equal(t, int64(2), stats.RulesEvaluated)
	assert.Equal(t, int64(2), stats.AlertsTriggered)
	assert.Equal(t, "1m0s", stats.Interval)
}

func TestCooldownGuardAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	shared := statecache.NewMemoryCache()
	raiser := &countingRaiser{}

	// two replicas with their own rule snapshots share one guard
	a, _, srcA := newFixture(t, shared, raiser, thresholdRule("r1", 5*time.Minute))
	b, _, srcB := newFixture(t, shared, raiser, thresholdRule("r1", 5*time.Minute))
	srcA.Push(metricsource.Sample{Name: "error_rate", Value: 15})
	srcB.Push(metricsource.Sample{Name: "error_rate", Value: 15})

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_ = s.RunOnce(ctx)
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, raiser.count())
}

func TestRaiseFailureReleasesGuard(t *testing.T) {
	ctx := context.Background()
	guard := statecache.NewMemoryCache()
	raiser := &countingRaiser{err: errors.New("db down")}
	s, store, src := newFixture(t, guard, raiser, thresholdRule("r1", 5*time.Minute))
	src.Push(metricsource.Sample{Name: "error_rate", Value: 15})

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 0, raiser.count())
	r, err := store.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, r.LastTriggeredAt)
	assert.Contains(t, r.LastError, "raise incident: db down")

	raiser.mu.Lock()
	raiser.err = nil
	raiser.mu.Unlock()
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, raiser.count(), "guard was released, next tick raises")
	r, _ = store.GetRule(ctx, "r1")
	assert.NotNil(t, r.LastTriggeredAt)
	assert.Empty(t, r.LastError)
}

func TestRaiseFailureKeepsScheduledWindow(t *testing.T) {
	ctx := context.Background()
	raiser := &countingRaiser{err: errors.New("db down")}
	report := &model.AlertRule{
		ID: "hourly", Name: "hourly report", Type: model.RuleTypeScheduled, Severity: "P3",
		Condition: &model.ScheduledCondition{Schedule: "0 * * * *", Timezone: "UTC"},
		Enabled:   true,
	}
	s, store, _ := newFixture(t, nil, raiser, report)

	t0 := time.Date(2024, 6, 1, 10, 0, 10, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 0, raiser.count())

	raiser.mu.Lock()
	raiser.err = nil
	raiser.mu.Unlock()
	s.now = func() time.Time { return t0.Add(20 * time.Second) }
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, raiser.count(), "due window still open after the failed raise")

	s.now = func() time.Time { return t0.Add(40 * time.Second) }
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, raiser.count(), "window fires once")

	r, _ := store.GetRule(ctx, "hourly")
	assert.Empty(t, r.LastError)
}

type panicky struct{ inner Evaluator }

func (p panicky) Evaluate(ctx context.Context, rule *model.AlertRule, now time.Time) (model.EvaluationResult, error) {
	if rule.ID == "boom" {
		panic("nil condition payload")
	}
	return p.inner.Evaluate(ctx, rule, now)
}

func TestRuleFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	raiser := &countingRaiser{}
	missing := thresholdRule("missing", 0)
	missing.Condition = &model.ThresholdCondition{Metric: "not_there", Operator: ">", Threshold: 1}
	s, store, src := newFixture(t, nil, raiser, thresholdRule("boom", 0), missing, thresholdRule("ok", 0))
	s.deps.Evaluator = panicky{inner: s.deps.Evaluator}
	src.Push(metricsource.Sample{Name: "error_rate", Value: 15})

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, []string{"ok"}, raiser.raised)

	boom, _ := store.GetRule(ctx, "boom")
	assert.Contains(t, boom.LastError, "panic")
	miss, _ := store.GetRule(ctx, "missing")
	assert.NotEmpty(t, miss.LastError, "unavailable metric shows a last evaluation error")
	require.NotNil(t, miss.LastEvaluatedAt)
	assert.Equal(t, int64(2), s.Stats().EvaluationErrors)
}

type failingRules struct{ *ruleset.MemStore }

func (failingRules) ListEnabledRules(context.Context) ([]*model.AlertRule, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnceReportsStoreOutage(t *testing.T) {
	s := New(Deps{Rules: failingRules{ruleset.NewMemStore()}, Evaluator: panicky{}, Incidents: &countingRaiser{}})
	err := s.RunOnce(context.Background())
	assert.True(t, evaluator.IsTransient(err))
	assert.Equal(t, int64(1), s.Stats().TotalEvaluations)
}

type countingRules struct {
	*ruleset.MemStore
	lists atomic.Int32
}

func (c *countingRules) ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error) {
	c.lists.Add(1)
	return c.MemStore.ListEnabledRules(ctx)
}

func TestTriggerWakesLoop(t *testing.T) {
	rules := &countingRules{MemStore: ruleset.NewMemStore()}
	s := New(Deps{Rules: rules, Evaluator: panicky{}, Incidents: &countingRaiser{}, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool { return rules.lists.Load() == 1 }, time.Second, 5*time.Millisecond, "startup tick")
	s.RulesChanged()
	require.Eventually(t, func() bool { return rules.lists.Load() == 2 }, time.Second, 5*time.Millisecond, "triggered tick")
}
