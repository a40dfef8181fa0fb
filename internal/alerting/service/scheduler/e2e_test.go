package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/evaluator"
	"github.com/qiniu/alertcore/internal/alerting/service/incident"
	"github.com/qiniu/alertcore/internal/alerting/service/metricsource"
	"github.com/qiniu/alertcore/internal/alerting/service/notify"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/statecache"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Error rate above 10 with a five minute cooldown, delivered to a webhook.
func TestErrorRateToWebhook(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs, _ := io.ReadAll(r.Body)
		var p map[string]any
		_ = json.Unmarshal(bs, &p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	metrics := telemetry.NewMetrics()
	channels := notify.NewMemChannelStore()
	require.NoError(t, channels.UpsertChannel(ctx, &model.Channel{
		ID: "ops-hook", Name: "ops", Type: model.ChannelWebhook, Enabled: true,
		Config: model.ChannelConfig{"url": hook.URL},
	}))
	logs := notify.NewMemLogStore()
	disp := notify.New(notify.Config{
		Workers: 2, QueueSize: 8, MaxRetryAttempts: 3,
		BaseDelay: time.Millisecond, RetryPollInterval: 5 * time.Millisecond, DeliveryTimeout: time.Second,
	}, notify.Deps{
		Sender:   notify.NewRouter(notify.TransportOptions{Client: hook.Client()}),
		Log:      logs,
		Channels: channels,
		Metrics:  metrics,
	})
	incidents := incident.NewMemStore()
	mgr := incident.NewManager(incident.Deps{Store: incidents, Channels: channels, Queue: disp, Log: disp, Metrics: metrics})
	disp.SetObserver(mgr)
	require.NoError(t, disp.Start(ctx))
	defer func() { _ = disp.Stop(ctx) }()

	rules := ruleset.NewCachedStore(ruleset.NewMemStore(), time.Minute)
	require.NoError(t, rules.CreateRule(ctx, &model.AlertRule{
		ID: "err-rate", Name: "error rate high", Type: model.RuleTypeThreshold, Severity: "P1",
		Condition:  &model.ThresholdCondition{Metric: "error_rate", Operator: ">", Threshold: 10},
		ChannelIDs: []string{"ops-hook"}, Cooldown: 5 * time.Minute, Enabled: true,
	}))
	src := metricsource.NewMemorySource(0)
	cache := statecache.NewMemoryCache()
	s := New(Deps{
		Rules:     rules,
		Evaluator: evaluator.New(src, cache, time.Minute),
		Incidents: mgr,
		Guard:     cache,
		Metrics:   metrics,
		Interval:  time.Minute,
	})

	src.Push(metricsource.Sample{Name: "error_rate", Value: 15, Timestamp: time.Now()})
	require.NoError(t, s.RunOnce(ctx))

	raised, err := incidents.ListIncidents(ctx, model.IncidentFilter{RuleID: "err-rate"})
	require.NoError(t, err)
	require.Len(t, raised, 1)
	inc := raised[0]
	assert.Equal(t, model.IncidentActive, inc.Status)
	assert.Equal(t, "[P1] error rate high", inc.Title)

	require.Eventually(t, func() bool {
		reqs, _ := logs.ListNotifications(ctx, model.NotificationFilter{IncidentID: inc.ID})
		return len(reqs) == 1 && reqs[0].Status == model.DeliveryDelivered
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got, _ := incidents.GetIncident(ctx, inc.ID)
		return got.NotificationStatus == model.NotificationDispatched
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, payloads, 1)
	alert := payloads[0]["alert"].(map[string]any)
	mu.Unlock()
	assert.Equal(t, inc.ID, alert["incident_id"])

	// a second breach inside the cooldown raises nothing
	src.Push(metricsource.Sample{Name: "error_rate", Value: 20, Timestamp: time.Now()})
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, s.RunOnce(ctx))
	raised, _ = incidents.ListIncidents(ctx, model.IncidentFilter{RuleID: "err-rate"})
	assert.Len(t, raised, 1)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.AlertsTriggered)
	assert.Equal(t, int64(1), snap.SuccessfulDeliveries)
}
