package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/incident"
	"github.com/qiniu/alertcore/internal/alerting/service/notify"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/scheduler"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct{ triggered atomic.Int32 }

func (f *fakeScheduler) Trigger()      { f.triggered.Add(1) }
func (f *fakeScheduler) RulesChanged() { f.Trigger() }
func (f *fakeScheduler) Stats() scheduler.Stats {
	return scheduler.Stats{TotalEvaluations: 7, Interval: "30s"}
}

type fixture struct {
	router    *gin.Engine
	rules     *ruleset.Manager
	incidents *incident.Manager
	channels  *notify.MemChannelStore
	sched     *fakeScheduler
	hook      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	t.Cleanup(hook.Close)

	metrics := telemetry.NewMetrics()
	channels := notify.NewMemChannelStore()
	require.NoError(t, channels.UpsertChannel(ctx, &model.Channel{ID: "ops-hook", Name: "ops", Type: model.ChannelWebhook,
		Enabled: true, Config: model.ChannelConfig{"url": hook.URL}}))
	disp := notify.New(notify.Config{QueueSize: 16}, notify.Deps{
		Sender:   notify.NewRouter(notify.TransportOptions{Client: hook.Client()}),
		Log:      notify.NewMemLogStore(),
		Channels: channels,
		Metrics:  metrics,
	})
	sched := &fakeScheduler{}
	f := &fixture{
		rules:     ruleset.NewManager(ruleset.NewMemStore(), sched, nil).WithChannels(channels),
		incidents: incident.NewManager(incident.Deps{Store: incident.NewMemStore(), Channels: channels, Queue: disp, Log: disp, Metrics: metrics}),
		channels:  channels,
		sched:     sched,
		hook:      hook,
	}
	f.router = gin.New()
	NewApi(f.router, Deps{Rules: f.rules, Incidents: f.incidents, Channels: channels, Deliveries: disp, Scheduler: sched})
	RegisterMetrics(f.router, metrics)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["code"].(string)
	return s
}

const cpuRule = `{"rule_id":"cpu-high","name":"cpu high","rule_type":"threshold","severity":"P2",
	"condition":{"metric":"cpu","operator":">=","threshold":90},
	"notification_channel_ids":["ops-hook"],"cooldown_seconds":300}`

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/rules", cpuRule)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "cpu-high", body["rule_id"])
	assert.Equal(t, "THRESHOLD", body["rule_type"])
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, 300.0, body["cooldown_seconds"])
	assert.Equal(t, int32(1), f.sched.triggered.Load(), "rule edits wake the scheduler")

	code, body = f.do(t, http.MethodPost, "/v1/rules", cpuRule)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", errCode(body))

	code, body = f.do(t, http.MethodGet, "/v1/rules/cpu-high", "")
	require.Equal(t, http.StatusOK, code)
	cond := body["condition"].(map[string]any)
	assert.Equal(t, 90.0, cond["threshold"])

	code, body = f.do(t, http.MethodPatch, "/v1/rules/cpu-high", `{"cooldown_seconds":60,"enabled":false}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 60.0, body["cooldown_seconds"])
	assert.Equal(t, false, body["enabled"])

	code, body = f.do(t, http.MethodPatch, "/v1/rules/cpu-high", `{"rule_type":"ANOMALY"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PARAMETER", errCode(body))

	code, body = f.do(t, http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, _ = f.do(t, http.MethodDelete, "/v1/rules/cpu-high", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, body = f.do(t, http.MethodGet, "/v1/rules/cpu-high", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errCode(body))
}

func TestCreateRule_Rejects(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"malformed":       `{"name":`,
		"no condition":    `{"name":"x","rule_type":"THRESHOLD","severity":"P1"}`,
		"bad operator":    `{"name":"x","rule_type":"THRESHOLD","severity":"P1","condition":{"metric":"m","operator":"~","threshold":1}}`,
		"unknown type":    `{"name":"x","rule_type":"MAGIC","severity":"P1","condition":{}}`,
		"unknown channel": `{"name":"x","rule_type":"THRESHOLD","severity":"P1","condition":{"metric":"m","operator":">","threshold":1},"notification_channel_ids":["nope"]}`,
		"bad cron":        `{"name":"x","rule_type":"SCHEDULED","severity":"P3","condition":{"schedule":"every tuesday"}}`,
	}
	for name, body := range cases {
		code, resp := f.do(t, http.MethodPost, "/v1/rules", body)
		assert.Equal(t, http.StatusBadRequest, code, name)
		assert.Equal(t, "INVALID_PARAMETER", errCode(resp), name)
	}
}

func (f *fixture) raise(t *testing.T) *model.Incident {
	t.Helper()
	ctx := context.Background()
	rule, err := f.rules.CreateRule(ctx, &model.AlertRule{ID: "disk", Name: "disk full", Type: model.RuleTypeThreshold, Severity: "P1",
		Condition: &model.ThresholdCondition{Metric: "disk", Operator: ">", Threshold: 95}, ChannelIDs: []string{"ops-hook"}, Enabled: true})
	require.NoError(t, err)
	inc, err := f.incidents.Raise(ctx, rule, model.EvaluationResult{RuleID: rule.ID, ConditionMet: true,
		Evidence: map[string]any{"value": 97.0}, EvaluatedAt: time.Now()})
	require.NoError(t, err)
	return inc
}

func TestIncidentLifecycle(t *testing.T) {
	f := newFixture(t)
	inc := f.raise(t)
	base := "/v1/incidents/" + inc.ID

	code, body := f.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACTIVE", body["status"])

	code, body = f.do(t, http.MethodPost, base+"/acknowledge", `{}`)
	assert.Equal(t, http.StatusBadRequest, code, "user is required")

	code, body = f.do(t, http.MethodPost, base+"/acknowledge", `{"user":"alice"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "ACKNOWLEDGED", body["status"])
	assert.Equal(t, "alice", body["acknowledged_by"])

	code, body = f.do(t, http.MethodPost, base+"/acknowledge", `{"user":"bob"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["acknowledged_by"], "repeat acknowledge is a no-op")

	code, body = f.do(t, http.MethodPost, base+"/resolve", `{"user":"bob","notes":"disk cleaned"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "RESOLVED", body["status"])
	assert.Equal(t, "disk cleaned", body["resolution_notes"])

	code, body = f.do(t, http.MethodPost, base+"/acknowledge", `{"user":"carol"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", errCode(body))

	code, body = f.do(t, http.MethodGet, "/v1/incidents?status=resolved", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
	code, body = f.do(t, http.MethodGet, "/v1/incidents?status=ACTIVE", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 0)

	code, _ = f.do(t, http.MethodGet, "/v1/incidents?status=OPEN", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/v1/incidents?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/v1/incidents?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPost, "/v1/incidents/missing/resolve", `{"user":"bob"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errCode(body))
}

func TestIncidentNotifications(t *testing.T) {
	f := newFixture(t)
	inc := f.raise(t)

	code, body := f.do(t, http.MethodGet, "/v1/incidents/"+inc.ID+"/notifications", "")
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "ops-hook", first["channel_id"])
	assert.Equal(t, "QUEUED", first["status"])

	code, body = f.do(t, http.MethodGet, "/v1/notifications?status=QUEUED", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
	code, body = f.do(t, http.MethodGet, "/v1/notifications?status=DEAD_LETTER", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 0)
	code, _ = f.do(t, http.MethodGet, "/v1/notifications?status=LOST", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/v1/incidents/missing/notifications", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChannels(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPut, "/v1/channels/pager", `{"channel_type":"pagerduty","configuration":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"].(map[string]any)["message"], "integration_key")

	code, _ = f.do(t, http.MethodPut, "/v1/channels/pager", `{"channel_id":"other","channel_type":"PAGERDUTY","configuration":{"integration_key":"k"}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPut, "/v1/channels/pager", `{"channel_type":"PAGERDUTY","configuration":{"integration_key":"k"}}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "pager", body["name"])
	assert.Equal(t, true, body["enabled"])

	code, body = f.do(t, http.MethodGet, "/v1/channels", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 2)

	code, body = f.do(t, http.MethodPost, "/v1/channels/ops-hook/test", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	require.NoError(t, f.channels.UpsertChannel(context.Background(), &model.Channel{ID: "dead-hook", Type: model.ChannelWebhook,
		Enabled: true, Config: model.ChannelConfig{"url": "http://127.0.0.1:1/unreachable"}}))
	code, body = f.do(t, http.MethodPost, "/v1/channels/dead-hook/test", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])

	code, _ = f.do(t, http.MethodPost, "/v1/channels/missing/test", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSchedulerAndMetrics(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/v1/scheduler/trigger", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, int32(1), f.sched.triggered.Load())

	code, body := f.do(t, http.MethodGet, "/v1/scheduler/stats", "")
	require.Equal(t, http.StatusOK, code)
	stats := body["scheduler"].(map[string]any)
	assert.Equal(t, 7.0, stats["total_evaluations"])
	assert.Equal(t, 0.0, body["queue_depth"])

	f.raise(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "incidents"), "exposes the incident counters")
}
