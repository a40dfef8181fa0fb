package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/metricsource"
	"github.com/rs/zerolog/log"
)

// WindowMarker records that a scheduled rule already fired for a due window.
type WindowMarker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseMark(ctx context.Context, key string) error
}

// Evaluator runs the algorithm matching a rule's condition variant.
type Evaluator struct {
	source metricsource.Source
	marks  WindowMarker
	// window is the scheduler interval; a scheduled activation is due while now-activation < window.
	window time.Duration

	patterns sync.Map // pattern -> *regexp.Regexp
}

func New(source metricsource.Source, marks WindowMarker, window time.Duration) *Evaluator {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Evaluator{source: source, marks: marks, window: window}
}

// Evaluate returns the result for rule at now. Errors are never fatal to the caller's tick:
// a TransientSourceError means the metric was unavailable, a ConfigurationError means the stored
// payload cannot be evaluated. In both cases the result reports ConditionMet=false.
func (e *Evaluator) Evaluate(ctx context.Context, rule *model.AlertRule, now time.Time) (model.EvaluationResult, error) {
	res := model.EvaluationResult{RuleID: rule.ID, EvaluatedAt: now, Evidence: map[string]any{}}
	var err error
	switch c := rule.Condition.(type) {
	case *model.ThresholdCondition:
		err = e.threshold(ctx, rule, c, &res)
	case *model.PatternCondition:
		err = e.pattern(ctx, rule, c, &res)
	case *model.AnomalyCondition:
		err = e.anomaly(ctx, rule, c, &res)
	case *model.ScheduledCondition:
		err = e.scheduled(ctx, rule, c, now, &res)
	default:
		err = model.ConfigErrorf("condition", "no evaluator for %T", rule.Condition)
	}
	if err != nil {
		res.ConditionMet = false
	}
	return res, err
}

func (e *Evaluator) fetch(ctx context.Context, rule *model.AlertRule, metric string) (metricsource.Sample, error) {
	s, err := e.source.GetMetric(ctx, metric, rule.Labels)
	if err != nil {
		return s, &model.TransientSourceError{Source: metric, Err: err}
	}
	return s, nil
}

func (e *Evaluator) threshold(ctx context.Context, rule *model.AlertRule, c *model.ThresholdCondition, res *model.EvaluationResult) error {
	s, err := e.fetch(ctx, rule, c.Metric)
	if err != nil {
		return err
	}
	met, err := Compare(c.Operator, s.Value, c.Threshold)
	if err != nil {
		return err
	}
	res.ConditionMet = met
	res.Evidence["metric"] = c.Metric
	res.Evidence["value"] = s.Value
	res.Evidence["operator"] = c.Operator
	res.Evidence["threshold"] = c.Threshold
	res.Evidence["sampled_at"] = s.Timestamp
	return nil
}

// Compare applies a threshold operator. Comparisons are strict: 80 > 80 is false.
func Compare(op string, value, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "=", "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	}
	return false, model.ConfigErrorf("condition.operator", "unsupported operator %q", op)
}

func (e *Evaluator) pattern(ctx context.Context, rule *model.AlertRule, c *model.PatternCondition, res *model.EvaluationResult) error {
	re, err := e.compile(c.Pattern)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", rule.ID).Str("pattern", c.Pattern).Msg("stored pattern does not compile; treating as never met")
		return model.ConfigErrorf("condition.pattern", "%v", err)
	}
	s, err := e.fetch(ctx, rule, c.Metric)
	if err != nil {
		return err
	}
	text, err := serialize(s)
	if err != nil {
		return err
	}
	match := re.Find(text)
	res.ConditionMet = match != nil
	res.Evidence["metric"] = c.Metric
	res.Evidence["pattern"] = c.Pattern
	if match != nil {
		res.Evidence["matched"] = string(match)
	}
	if s.Text != "" {
		res.Evidence["text"] = s.Text
	}
	return nil
}

// serialize renders the sample as JSON text without HTML escaping, so patterns see the raw characters.
func serialize(s metricsource.Sample) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("serialize sample: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func (e *Evaluator) compile(p string) (*regexp.Regexp, error) {
	if v, ok := e.patterns.Load(p); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := model.CompilePattern(p)
	if err != nil {
		return nil, err
	}
	e.patterns.Store(p, re)
	return re, nil
}

func (e *Evaluator) anomaly(ctx context.Context, rule *model.AlertRule, c *model.AnomalyCondition, res *model.EvaluationResult) error {
	s, err := e.fetch(ctx, rule, c.Metric)
	if err != nil {
		return err
	}
	b, err := e.source.GetBaseline(ctx, c.Metric, rule.Labels)
	if err != nil {
		return &model.TransientSourceError{Source: c.Metric + " baseline", Err: err}
	}
	sensitivity := c.EffectiveSensitivity()
	z, ok := ZScore(s.Value, b.Mean, b.StdDev)
	res.Evidence["metric"] = c.Metric
	res.Evidence["value"] = s.Value
	res.Evidence["mean"] = b.Mean
	res.Evidence["std_dev"] = b.StdDev
	res.Evidence["sensitivity"] = sensitivity
	if !ok {
		res.Evidence["reason"] = "zero standard deviation"
		res.ConditionMet = false
		return nil
	}
	res.Evidence["z_score"] = z
	res.ConditionMet = z > sensitivity
	return nil
}

// ZScore returns |value-mean|/stddev. ok is false when stddev is zero or not finite.
func ZScore(value, mean, stddev float64) (z float64, ok bool) {
	if stddev == 0 || math.IsNaN(stddev) || math.IsInf(stddev, 0) {
		return 0, false
	}
	z = math.Abs(value-mean) / stddev
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, false
	}
	return z, true
}

func (e *Evaluator) scheduled(ctx context.Context, rule *model.AlertRule, c *model.ScheduledCondition, now time.Time, res *model.EvaluationResult) error {
	sched, err := c.Parse()
	if err != nil {
		return model.ConfigErrorf("condition.schedule", "%v", err)
	}
	due, ok := DueActivation(sched, now, e.window)
	res.Evidence["schedule"] = c.Schedule
	if !ok {
		return nil
	}
	res.Evidence["due_at"] = due
	if e.marks == nil {
		res.ConditionMet = true
		return nil
	}
	key := fmt.Sprintf("window:%s:%d", rule.ID, due.Unix())
	first, err := e.marks.MarkOnce(ctx, key, 2*e.window+time.Minute)
	if err != nil {
		return &model.TransientSourceError{Source: "window marks", Err: err}
	}
	res.ConditionMet = first
	if !first {
		res.Evidence["reason"] = "window already fired"
		return nil
	}
	res.WindowKey = key
	return nil
}

// Abandon gives back the due window res claimed, so the next tick inside it fires again.
func (e *Evaluator) Abandon(ctx context.Context, res model.EvaluationResult) error {
	if e.marks == nil || res.WindowKey == "" {
		return nil
	}
	return e.marks.ReleaseMark(ctx, res.WindowKey)
}

// Schedule is the subset of cron.Schedule used to locate activations.
type Schedule interface {
	Next(time.Time) time.Time
}

// DueActivation returns the latest activation t with now-window < t <= now.
func DueActivation(s Schedule, now time.Time, window time.Duration) (time.Time, bool) {
	var due time.Time
	found := false
	for next := s.Next(now.Add(-window)); !next.IsZero() && !next.After(now); next = s.Next(next) {
		due = next
		found = true
	}
	return due, found
}

// IsTransient reports whether err is a source outage rather than a rule defect.
func IsTransient(err error) bool {
	var te *model.TransientSourceError
	return errors.As(err, &te)
}
