package model

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RuleType selects the evaluation algorithm. It is fixed once a rule is created.
type RuleType string

const (
	RuleTypeThreshold RuleType = "THRESHOLD"
	RuleTypePattern   RuleType = "PATTERN"
	RuleTypeAnomaly   RuleType = "ANOMALY"
	RuleTypeScheduled RuleType = "SCHEDULED"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeThreshold, RuleTypePattern, RuleTypeAnomaly, RuleTypeScheduled:
		return true
	}
	return false
}

// DefaultSensitivity is the z-score threshold used when an anomaly rule leaves sensitivity unset.
const DefaultSensitivity = 2.0

// Condition is the closed set of rule payloads. Only the variants in this file implement it.
type Condition interface {
	Type() RuleType
	Validate() error
	isCondition()
}

type ThresholdCondition struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
}

// PatternCondition matches Pattern against the serialized sample of Metric.
type PatternCondition struct {
	Metric  string `json:"metric"`
	Pattern string `json:"pattern"`
}

type AnomalyCondition struct {
	Metric      string  `json:"metric"`
	Sensitivity float64 `json:"sensitivity,omitempty"`
}

// ScheduledCondition fires once per activation of a standard cron expression.
type ScheduledCondition struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

func (*ThresholdCondition) Type() RuleType { return RuleTypeThreshold }
func (*PatternCondition) Type() RuleType   { return RuleTypePattern }
func (*AnomalyCondition) Type() RuleType   { return RuleTypeAnomaly }
func (*ScheduledCondition) Type() RuleType { return RuleTypeScheduled }

func (*ThresholdCondition) isCondition() {}
func (*PatternCondition) isCondition()   {}
func (*AnomalyCondition) isCondition()   {}
func (*ScheduledCondition) isCondition() {}

var operators = map[string]struct{}{"=": {}, "==": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {}}

func (c *ThresholdCondition) Validate() error {
	if strings.TrimSpace(c.Metric) == "" {
		return ConfigErrorf("condition.metric", "required")
	}
	if _, ok := operators[c.Operator]; !ok {
		return ConfigErrorf("condition.operator", "unsupported operator %q", c.Operator)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		return ConfigErrorf("condition.threshold", "must be finite")
	}
	return nil
}

func (c *PatternCondition) Validate() error {
	if strings.TrimSpace(c.Metric) == "" {
		return ConfigErrorf("condition.metric", "required")
	}
	if c.Pattern == "" {
		return ConfigErrorf("condition.pattern", "required")
	}
	if _, err := CompilePattern(c.Pattern); err != nil {
		return ConfigErrorf("condition.pattern", "%v", err)
	}
	return nil
}

func (c *AnomalyCondition) Validate() error {
	if strings.TrimSpace(c.Metric) == "" {
		return ConfigErrorf("condition.metric", "required")
	}
	if c.Sensitivity < 0 || math.IsNaN(c.Sensitivity) || math.IsInf(c.Sensitivity, 0) {
		return ConfigErrorf("condition.sensitivity", "must be a positive number")
	}
	return nil
}

func (c *ScheduledCondition) Validate() error {
	if _, err := c.Parse(); err != nil {
		return ConfigErrorf("condition.schedule", "%v", err)
	}
	return nil
}

// EffectiveSensitivity returns the configured z-threshold or DefaultSensitivity when unset.
func (c *AnomalyCondition) EffectiveSensitivity() float64 {
	if c.Sensitivity <= 0 {
		return DefaultSensitivity
	}
	return c.Sensitivity
}

// Parse compiles the schedule with the standard 5-field parser, honoring Timezone.
func (c *ScheduledCondition) Parse() (cron.Schedule, error) {
	expr := strings.TrimSpace(c.Schedule)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return cron.ParseStandard(expr)
}

// CompilePattern compiles a pattern for case-insensitive matching.
func CompilePattern(p string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(p, "(?i)") {
		p = "(?i)" + p
	}
	return regexp.Compile(p)
}

// DecodeCondition parses the JSON payload of a condition for rule type t.
func DecodeCondition(t RuleType, raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ConfigErrorf("condition", "required")
	}
	var c Condition
	switch t {
	case RuleTypeThreshold:
		c = &ThresholdCondition{}
	case RuleTypePattern:
		c = &PatternCondition{}
	case RuleTypeAnomaly:
		c = &AnomalyCondition{}
	case RuleTypeScheduled:
		c = &ScheduledCondition{}
	default:
		return nil, ConfigErrorf("rule_type", "unsupported rule type %q", t)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, ConfigErrorf("condition", "decode: %v", err)
	}
	return c, nil
}

// ConditionMetric returns the metric a condition reads, or "" for scheduled conditions.
func ConditionMetric(c Condition) string {
	switch v := c.(type) {
	case *ThresholdCondition:
		return v.Metric
	case *PatternCondition:
		return v.Metric
	case *AnomalyCondition:
		return v.Metric
	}
	return ""
}
