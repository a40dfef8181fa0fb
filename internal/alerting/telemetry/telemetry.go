package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

// Metrics is the telemetry sink handed to the scheduler, incident manager and dispatcher.
// Each atomic counter is mirrored into a collector on a private Prometheus registry.
type Metrics struct {
	ticks             atomic.Int64
	rulesEvaluated    atomic.Int64
	alertsTriggered   atomic.Int64
	evaluationErrors  atomic.Int64
	incidentsRaised   atomic.Int64
	deliveriesOK      atomic.Int64
	deliveriesFailed  atomic.Int64
	retriesScheduled  atomic.Int64
	deadLetters       atomic.Int64
	lastTickNanos     atomic.Int64
	lastTickUnixNanos atomic.Int64

	perChannel map[model.ChannelType]*channelCounters

	registry     *prometheus.Registry
	evaluations  *prometheus.CounterVec
	evalErrors   *prometheus.CounterVec
	triggered    *prometheus.CounterVec
	incidents    *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	tickDuration prometheus.Histogram
	queueDepth   prometheus.Gauge
	retryDepth   prometheus.Gauge
}

type channelCounters struct {
	delivered   atomic.Int64
	failed      atomic.Int64
	deadLetters atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Ticks                int64                              `json:"total_evaluations"`
	RulesEvaluated       int64                              `json:"rules_evaluated"`
	AlertsTriggered      int64                              `json:"alerts_triggered"`
	EvaluationErrors     int64                              `json:"evaluation_errors"`
	IncidentsRaised      int64                              `json:"incidents_raised"`
	SuccessfulDeliveries int64                              `json:"successful_deliveries"`
	FailedDeliveries     int64                              `json:"failed_deliveries"`
	RetriesScheduled     int64                              `json:"retries_scheduled"`
	DeadLetters          int64                              `json:"dead_letters"`
	LastTickDuration     time.Duration                      `json:"last_duration_ns"`
	LastTickAt           time.Time                          `json:"last_run_at"`
	PerChannel           map[model.ChannelType]ChannelStats `json:"per_channel"`
}

type ChannelStats struct {
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	DeadLetters int64 `json:"dead_letters"`
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		perChannel: make(map[model.ChannelType]*channelCounters, len(model.ChannelTypes)),
		registry:   reg,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "rule_evaluations_total", Help: "Rule evaluations by rule type.",
		}, []string{"rule_type"}),
		evalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "rule_evaluation_errors_total", Help: "Failed rule evaluations by rule type.",
		}, []string{"rule_type"}),
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "alerts_triggered_total", Help: "Rules whose condition was met outside cooldown.",
		}, []string{"rule_type"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "incidents_raised_total", Help: "Incidents created by severity.",
		}, []string{"severity"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "notification_deliveries_total", Help: "Delivery attempts by channel type and result.",
		}, []string{"channel_type", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alerting", Name: "notification_retries_total", Help: "Retries scheduled by channel type.",
		}, []string{"channel_type"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "alerting", Name: "scheduler_tick_seconds", Help: "Duration of evaluation ticks.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alerting", Name: "notification_queue_depth", Help: "Requests waiting for a worker.",
		}),
		retryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alerting", Name: "notification_retry_depth", Help: "Requests waiting for their backoff to elapse.",
		}),
	}
	for _, ct := range model.ChannelTypes {
		m.perChannel[ct] = &channelCounters{}
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations, m.evalErrors, m.triggered, m.incidents, m.deliveries, m.retries,
		m.tickDuration, m.queueDepth, m.retryDepth,
	)
	return m
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TickCompleted(d time.Duration, at time.Time) {
	m.ticks.Add(1)
	m.lastTickNanos.Store(int64(d))
	m.lastTickUnixNanos.Store(at.UnixNano())
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) RuleEvaluated(t model.RuleType) {
	m.rulesEvaluated.Add(1)
	m.evaluations.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EvaluationFailed(t model.RuleType) {
	m.evaluationErrors.Add(1)
	m.evalErrors.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) AlertTriggered(t model.RuleType) {
	m.alertsTriggered.Add(1)
	m.triggered.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) IncidentRaised(severity string) {
	m.incidentsRaised.Add(1)
	m.incidents.WithLabelValues(severity).Inc()
}

func (m *Metrics) DeliverySucceeded(ct model.ChannelType) {
	m.deliveriesOK.Add(1)
	if c := m.perChannel[ct]; c != nil {
		c.delivered.Add(1)
	}
	m.deliveries.WithLabelValues(string(ct), "success").Inc()
}

func (m *Metrics) DeliveryFailed(ct model.ChannelType) {
	m.deliveriesFailed.Add(1)
	if c := m.perChannel[ct]; c != nil {
		c.failed.Add(1)
	}
	m.deliveries.WithLabelValues(string(ct), "failure").Inc()
}

func (m *Metrics) RetryScheduled(ct model.ChannelType) {
	m.retriesScheduled.Add(1)
	m.retries.WithLabelValues(string(ct)).Inc()
}

func (m *Metrics) DeadLettered(ct model.ChannelType) {
	m.deadLetters.Add(1)
	if c := m.perChannel[ct]; c != nil {
		c.deadLetters.Add(1)
	}
	m.deliveries.WithLabelValues(string(ct), "dead_letter").Inc()
}

func (m *Metrics) SetQueueDepth(queued, retrying int) {
	m.queueDepth.Set(float64(queued))
	m.retryDepth.Set(float64(retrying))
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Ticks:                m.ticks.Load(),
		RulesEvaluated:       m.rulesEvaluated.Load(),
		AlertsTriggered:      m.alertsTriggered.Load(),
		EvaluationErrors:     m.evaluationErrors.Load(),
		IncidentsRaised:      m.incidentsRaised.Load(),
		SuccessfulDeliveries: m.deliveriesOK.Load(),
		FailedDeliveries:     m.deliveriesFailed.Load(),
		RetriesScheduled:     m.retriesScheduled.Load(),
		DeadLetters:          m.deadLetters.Load(),
		LastTickDuration:     time.Duration(m.lastTickNanos.Load()),
		PerChannel:           make(map[model.ChannelType]ChannelStats, len(m.perChannel)),
	}
	if ns := m.lastTickUnixNanos.Load(); ns != 0 {
		s.LastTickAt = time.Unix(0, ns).UTC()
	}
	for ct, c := range m.perChannel {
		s.PerChannel[ct] = ChannelStats{
			Delivered:   c.delivered.Load(),
			Failed:      c.failed.Load(),
			DeadLetters: c.deadLetters.Load(),
		}
	}
	return s
}
