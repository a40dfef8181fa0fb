package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// File is the YAML document of channels and rules seeded at startup.
type File struct {
	Channels []ChannelItem `yaml:"channels"`
	Rules    []RuleItem    `yaml:"rules"`
}

type ChannelItem struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Type          string         `yaml:"type"`
	Configuration map[string]any `yaml:"configuration"`
	Enabled       *bool          `yaml:"enabled"`
}

type RuleItem struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Severity  string            `yaml:"severity"`
	Labels    map[string]string `yaml:"labels"`
	Condition map[string]any    `yaml:"condition"`
	Channels  []string          `yaml:"channels"`
	Cooldown  string            `yaml:"cooldown"` // e.g. "5m"
	Enabled   *bool             `yaml:"enabled"`
}

type ChannelWriter interface {
	UpsertChannel(ctx context.Context, ch *model.Channel) error
}

type RuleCreator interface {
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
	CreateRule(ctx context.Context, def *model.AlertRule) (*model.AlertRule, error)
}

// Result counts what a bootstrap run wrote.
type Result struct {
	Channels     int
	RulesCreated int
	RulesSkipped int
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bootstrap file: %w", err)
	}
	return &f, nil
}

// FromFile seeds channels and rules from the YAML file at path. An empty path is a no-op.
func FromFile(ctx context.Context, path string, channels ChannelWriter, rules RuleCreator) (Result, error) {
	if strings.TrimSpace(path) == "" {
		return Result{}, nil
	}
	f, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, f, channels, rules)
}

// Apply upserts every channel, then creates the rules whose id and name are both unused.
// Existing rules are left alone so edits made through the API survive a restart.
func Apply(ctx context.Context, f *File, channels ChannelWriter, rules RuleCreator) (Result, error) {
	var res Result
	for i, item := range f.Channels {
		ch := item.channel()
		if err := ch.Validate(); err != nil {
			return res, fmt.Errorf("channels[%d]: %w", i, err)
		}
		if err := channels.UpsertChannel(ctx, ch); err != nil {
			return res, fmt.Errorf("upsert channel %s: %w", ch.ID, err)
		}
		res.Channels++
	}
	if len(f.Rules) == 0 {
		return res, nil
	}
	existing, err := rules.ListRules(ctx)
	if err != nil {
		return res, fmt.Errorf("list rules: %w", err)
	}
	names := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		names[r.Name] = struct{}{}
	}
	for i, item := range f.Rules {
		def, err := item.rule()
		if err != nil {
			return res, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, ok := names[def.Name]; ok {
			res.RulesSkipped++
			continue
		}
		if _, err := rules.CreateRule(ctx, def); err != nil {
			if errors.Is(err, model.ErrConflict) {
				res.RulesSkipped++
				continue
			}
			return res, fmt.Errorf("create rule %s: %w", def.Name, err)
		}
		names[def.Name] = struct{}{}
		res.RulesCreated++
	}
	log.Info().Int("channels", res.Channels).Int("rules_created", res.RulesCreated).
		Int("rules_skipped", res.RulesSkipped).Msg("bootstrap applied")
	return res, nil
}

func enabled(b *bool) bool { return b == nil || *b }

func (c ChannelItem) channel() *model.Channel {
	return &model.Channel{
		ID:      strings.TrimSpace(c.ID),
		Name:    c.Name,
		Type:    model.ChannelType(strings.ToUpper(strings.TrimSpace(c.Type))),
		Config:  model.ChannelConfig(c.Configuration),
		Enabled: enabled(c.Enabled),
	}
}

func (r RuleItem) rule() (*model.AlertRule, error) {
	t := model.RuleType(strings.ToUpper(strings.TrimSpace(r.Type)))
	raw, err := json.Marshal(r.Condition)
	if err != nil {
		return nil, model.ConfigErrorf("condition", "%v", err)
	}
	cond, err := model.DecodeCondition(t, raw)
	if err != nil {
		return nil, err
	}
	var cooldown time.Duration
	if s := strings.TrimSpace(r.Cooldown); s != "" {
		if cooldown, err = time.ParseDuration(s); err != nil {
			return nil, model.ConfigErrorf("cooldown", "%v", err)
		}
	}
	return &model.AlertRule{
		ID:         r.ID,
		Name:       r.Name,
		Type:       t,
		Severity:   r.Severity,
		Labels:     model.LabelMap(r.Labels),
		Condition:  cond,
		ChannelIDs: r.Channels,
		Cooldown:   cooldown,
		Enabled:    enabled(r.Enabled),
	}, nil
}
