package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/notify"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `
channels:
  - id: ops-hook
    name: ops webhook
    type: webhook
    configuration:
      url: http://hooks.example.com/alerts
      headers:
        Authorization: Token abc
  - id: oncall-sms
    name: on-call phones
    type: SMS
    enabled: false
    configuration:
      numbers: ["+15550001"]
rules:
  - id: err-rate
    name: error rate high
    type: threshold
    severity: P1
    labels: {service: s3}
    condition: {metric: error_rate, operator: ">", threshold: 10}
    channels: [ops-hook]
    cooldown: 5m
  - name: nightly report
    type: scheduled
    severity: P3
    condition: {schedule: "0 2 * * *", timezone: UTC}
    channels: [ops-hook]
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestFromFile(t *testing.T) {
	ctx := context.Background()
	channels := notify.NewMemChannelStore()
	store := ruleset.NewMemStore()
	mgr := ruleset.NewManager(store, nil, nil).WithChannels(channels)
	path := writeSeed(t, seed)

	res, err := FromFile(ctx, path, channels, mgr)
	require.NoError(t, err)
	assert.Equal(t, Result{Channels: 2, RulesCreated: 2}, res)

	hook, err := channels.GetChannel(ctx, "ops-hook")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelWebhook, hook.Type)
	assert.True(t, hook.Enabled)
	assert.Equal(t, "Token abc", hook.Config.StringMap("headers")["Authorization"])
	sms, err := channels.GetChannel(ctx, "oncall-sms")
	require.NoError(t, err)
	assert.False(t, sms.Enabled)

	r, err := mgr.GetRule(ctx, "err-rate")
	require.NoError(t, err)
	assert.Equal(t, model.RuleTypeThreshold, r.Type)
	assert.Equal(t, 5*time.Minute, r.Cooldown)
	assert.True(t, r.Enabled)
	cond := r.Condition.(*model.ThresholdCondition)
	assert.Equal(t, 10.0, cond.Threshold)

	// a second run leaves existing rules alone
	res, err = FromFile(ctx, path, channels, mgr)
	require.NoError(t, err)
	assert.Equal(t, Result{Channels: 2, RulesSkipped: 2}, res)
	all, _ := mgr.ListRules(ctx)
	assert.Len(t, all, 2)
}

func TestFromFile_EmptyPath(t *testing.T) {
	res, err := FromFile(context.Background(), "", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestApply_Invalid(t *testing.T) {
	ctx := context.Background()
	channels := notify.NewMemChannelStore()
	mgr := ruleset.NewManager(ruleset.NewMemStore(), nil, nil).WithChannels(channels)

	_, err := FromFile(ctx, writeSeed(t, "channels:\n  - id: bad\n    type: webhook\n"), channels, mgr)
	assert.True(t, model.IsConfigurationError(err))

	_, err = FromFile(ctx, writeSeed(t, "rules:\n  - name: x\n    type: threshold\n    severity: P1\n"), channels, mgr)
	assert.True(t, model.IsConfigurationError(err), "missing condition")

	_, err = FromFile(ctx, writeSeed(t, "rules:\n  - name: x\n    type: threshold\n    severity: P1\n    condition: {metric: m, operator: \">\", threshold: 1}\n    channels: [nope]\n"), channels, mgr)
	assert.True(t, model.IsConfigurationError(err), "unknown channel")

	_, err = FromFile(ctx, writeSeed(t, "rules: [\n"), channels, mgr)
	assert.Error(t, err)
}
