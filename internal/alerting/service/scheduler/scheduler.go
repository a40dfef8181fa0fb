package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/evaluator"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// RuleStore is the slice of the rule store the scheduler reads and writes.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]*model.AlertRule, error)
	UpdateLastTriggered(ctx context.Context, id string, at time.Time) error
	RecordEvaluation(ctx context.Context, id string, at time.Time, errText string) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, rule *model.AlertRule, now time.Time) (model.EvaluationResult, error)
}

// WindowReleaser is implemented by evaluators that claim scheduled due windows.
type WindowReleaser interface {
	Abandon(ctx context.Context, res model.EvaluationResult) error
}

type Raiser interface {
	Raise(ctx context.Context, rule *model.AlertRule, res model.EvaluationResult) (*model.Incident, error)
}

// CooldownGuard is the cross-replica claim on a rule's cooldown window.
type CooldownGuard interface {
	AcquireCooldown(ctx context.Context, ruleID string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseCooldown(ctx context.Context, ruleID, token string) error
}

type Deps struct {
	Rules         RuleStore
	Evaluator     Evaluator
	Incidents     Raiser
	Guard         CooldownGuard
	Metrics       *telemetry.Metrics
	Interval      time.Duration
	EvalTimeout   time.Duration
	MaxConcurrent int
}

// Scheduler evaluates every enabled rule once per interval, or sooner when triggered.
type Scheduler struct {
	deps Deps
	wake chan struct{}
	sem  *semaphore.Weighted
	now  func() time.Time

	// ticks never overlap
	runMu sync.Mutex
}

func New(d Deps) *Scheduler {
	if d.Interval <= 0 {
		d.Interval = 30 * time.Second
	}
	if d.EvalTimeout <= 0 {
		d.EvalTimeout = 10 * time.Second
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 8
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NewMetrics()
	}
	return &Scheduler{
		deps: d,
		wake: make(chan struct{}, 1),
		sem:  semaphore.NewWeighted(int64(d.MaxConcurrent)),
		now:  time.Now,
	}
}

// Start runs the tick loop until ctx is done. It evaluates once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	t := time.NewTicker(s.deps.Interval)
	defer t.Stop()
	log.Info().Dur("interval", s.deps.Interval).Int("max_concurrent", s.deps.MaxConcurrent).Msg("alert scheduler started")

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("alert scheduler stopped")
			return
		case <-t.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// Trigger asks the loop to run a tick now. Requests made while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RulesChanged wakes the loop after a rule edit.
func (s *Scheduler) RulesChanged() { s.Trigger() }

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("alert evaluation tick failed")
	}
}

// RunOnce evaluates every enabled rule that is not in cooldown and waits for all of them.
// Only a failure to list rules is returned; per-rule failures are logged, counted and
// recorded on the rule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	rules, err := s.deps.Rules.ListEnabledRules(ctx)
	if err != nil {
		s.deps.Metrics.TickCompleted(s.now().Sub(start), start)
		return &model.TransientSourceError{Source: "rule store", Err: err}
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		if rule.InCooldown(start) {
			log.Debug().Str("rule_id", rule.ID).Time("last_triggered_at", *rule.LastTriggeredAt).Msg("rule in cooldown, skipped")
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(r *model.AlertRule) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.evaluate(ctx, r, start)
		}(rule)
	}
	wg.Wait()

	d := s.now().Sub(start)
	s.deps.Metrics.TickCompleted(d, start)
	log.Debug().Int("rules", len(rules)).Dur("duration", d).Msg("alert evaluation tick finished")
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, rule *model.AlertRule, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("rule_id", rule.ID).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("rule evaluation panicked")
			s.deps.Metrics.EvaluationFailed(rule.Type)
			s.record(ctx, rule.ID, now, fmt.Sprintf("panic: %v", p))
		}
	}()

	evalCtx, cancel := context.WithTimeout(ctx, s.deps.EvalTimeout)
	res, err := s.deps.Evaluator.Evaluate(evalCtx, rule, now)
	cancel()
	s.deps.Metrics.RuleEvaluated(rule.Type)
	if err != nil {
		s.deps.Metrics.EvaluationFailed(rule.Type)
		ev := log.Error()
		if evaluator.IsTransient(err) {
			ev = log.Warn()
		}
		ev.Err(err).Str("rule_id", rule.ID).Str("rule_type", string(rule.Type)).Msg("rule evaluation failed")
		s.record(ctx, rule.ID, now, err.Error())
		return
	}
	if !res.ConditionMet {
		s.record(ctx, rule.ID, now, "")
		return
	}
	s.record(ctx, rule.ID, now, s.fire(ctx, rule, res, now))
}

// fire raises the incident under the cooldown guard and returns the error text to record.
func (s *Scheduler) fire(ctx context.Context, rule *model.AlertRule, res model.EvaluationResult, now time.Time) string {
	var token string
	if s.deps.Guard != nil {
		tok, ok, err := s.deps.Guard.AcquireCooldown(ctx, rule.ID, rule.Cooldown)
		switch {
		case err != nil:
			// the local LastTriggeredAt check still applies
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("cooldown guard unavailable, raising without it")
		case !ok:
			log.Info().Str("rule_id", rule.ID).Msg("cooldown held elsewhere, incident not raised")
			return ""
		}
		token = tok
	}

	inc, err := s.deps.Incidents.Raise(ctx, rule, res)
	if err != nil {
		if s.deps.Guard != nil {
			if rerr := s.deps.Guard.ReleaseCooldown(ctx, rule.ID, token); rerr != nil {
				log.Warn().Err(rerr).Str("rule_id", rule.ID).Msg("release cooldown guard failed")
			}
		}
		if wr, ok := s.deps.Evaluator.(WindowReleaser); ok {
			if rerr := wr.Abandon(ctx, res); rerr != nil {
				log.Warn().Err(rerr).Str("rule_id", rule.ID).Msg("release due window failed")
			}
		}
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("raise incident failed")
		return fmt.Sprintf("raise incident: %v", err)
	}
	s.deps.Metrics.AlertTriggered(rule.Type)
	if err := s.deps.Rules.UpdateLastTriggered(ctx, rule.ID, now); err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("update last_triggered_at failed")
	}
	log.Info().Str("rule_id", rule.ID).Str("incident_id", inc.ID).Str("severity", rule.Severity).Msg("alert triggered")
	return ""
}

func (s *Scheduler) record(ctx context.Context, ruleID string, at time.Time, errText string) {
	if err := s.deps.Rules.RecordEvaluation(ctx, ruleID, at, errText); err != nil {
		log.Warn().Err(err).Str("rule_id", ruleID).Msg("record evaluation failed")
	}
}

// Stats is the scheduler's view of the telemetry counters.
type Stats struct {
	TotalEvaluations int64         `json:"total_evaluations"`
	RulesEvaluated   int64         `json:"rules_evaluated"`
	AlertsTriggered  int64         `json:"alerts_triggered"`
	EvaluationErrors int64         `json:"evaluation_errors"`
	LastDuration     time.Duration `json:"last_duration_ns"`
	LastRunAt        time.Time     `json:"last_run_at"`
	Interval         string        `json:"interval"`
}

func (s *Scheduler) Stats() Stats {
	snap := s.deps.Metrics.Snapshot()
	return Stats{
		TotalEvaluations: snap.Ticks,
		RulesEvaluated:   snap.RulesEvaluated,
		AlertsTriggered:  snap.AlertsTriggered,
		EvaluationErrors: snap.EvaluationErrors,
		LastDuration:     snap.LastTickDuration,
		LastRunAt:        snap.LastTickAt,
		Interval:         s.deps.Interval.String(),
	}
}
