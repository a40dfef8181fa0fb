package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/alertcore/internal/alerting/bus"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

// ChannelLookup resolves the channels listed on a rule.
type ChannelLookup interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
}

// Enqueuer accepts notification requests for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *model.NotificationRequest) error
}

// DeliveryLog lists the notification requests of an incident for the notification status roll-up.
type DeliveryLog interface {
	ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error)
}

type Deps struct {
	Store    Store
	Channels ChannelLookup
	Queue    Enqueuer
	Log      DeliveryLog
	Events   bus.Publisher
	Metrics  *telemetry.Metrics
}

// Manager owns the incident lifecycle: ACTIVE -> ACKNOWLEDGED -> RESOLVED, or ACTIVE -> RESOLVED.
type Manager struct {
	store    Store
	channels ChannelLookup
	queue    Enqueuer
	log      DeliveryLog
	events   bus.Publisher
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func NewManager(d Deps) *Manager {
	if d.Events == nil {
		d.Events = bus.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NewMetrics()
	}
	return &Manager{store: d.Store, channels: d.Channels, queue: d.Queue, log: d.Log, events: d.Events, metrics: d.Metrics, now: time.Now}
}

// Raise persists a new ACTIVE incident for rule and enqueues one notification per rule channel.
// A persistence failure is returned before anything is enqueued.
func (m *Manager) Raise(ctx context.Context, rule *model.AlertRule, res model.EvaluationResult) (*model.Incident, error) {
	triggered := res.EvaluatedAt
	if triggered.IsZero() {
		triggered = m.now()
	}
	evidence := res.CopyEvidence()
	data := make(map[string]any, len(evidence)+2)
	for k, v := range evidence {
		data[k] = v
	}
	data["rule_name"] = rule.Name
	data["rule_type"] = string(rule.Type)

	inc := &model.Incident{
		ID:                 uuid.NewString(),
		RuleID:             rule.ID,
		Severity:           rule.Severity,
		Title:              fmt.Sprintf("[%s] %s", rule.Severity, rule.Name),
		Message:            Describe(rule, evidence),
		Data:               data,
		Status:             model.IncidentActive,
		NotificationStatus: model.NotificationPending,
		TriggeredAt:        triggered.UTC(),
	}
	if err := m.store.InsertIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist incident for rule %s: %w", rule.ID, err)
	}
	m.metrics.IncidentRaised(rule.Severity)
	log.Info().Str("incident_id", inc.ID).Str("rule_id", rule.ID).Str("severity", inc.Severity).Msg("incident raised")

	alert := model.AlertData{
		IncidentID:  inc.ID,
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Title:       inc.Title,
		Message:     inc.Message,
		TriggeredAt: inc.TriggeredAt,
		Evidence:    evidence,
	}
	if queued := m.enqueueAll(ctx, rule, alert); queued == 0 {
		inc.NotificationStatus = model.NotificationFailed
		if err := m.store.UpdateNotificationStatus(ctx, inc.ID, model.NotificationFailed); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to mark incident notification failed")
		}
	}
	m.publish("incident.raised", inc, "")
	return inc, nil
}

func (m *Manager) enqueueAll(ctx context.Context, rule *model.AlertRule, alert model.AlertData) int {
	if m.queue == nil || m.channels == nil {
		return 0
	}
	queued := 0
	for _, chID := range rule.ChannelIDs {
		ch, err := m.channels.GetChannel(ctx, chID)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", rule.ID).Str("channel_id", chID).Msg("skip channel: lookup failed")
			continue
		}
		if !ch.Enabled {
			log.Warn().Str("rule_id", rule.ID).Str("channel_id", chID).Msg("skip channel: disabled")
			continue
		}
		now := m.now().UTC()
		req := &model.NotificationRequest{
			ID:            uuid.NewString(),
			IncidentID:    alert.IncidentID,
			ChannelID:     ch.ID,
			ChannelType:   ch.Type,
			ChannelConfig: ch.Config.Clone(),
			AlertData:     alert,
			ScheduledTime: now,
			Status:        model.DeliveryQueued,
			CreatedAt:     now,
		}
		if err := m.queue.Enqueue(ctx, req); err != nil {
			log.Error().Err(err).Str("incident_id", alert.IncidentID).Str("channel_id", chID).Msg("enqueue notification failed")
			continue
		}
		queued++
	}
	if len(rule.ChannelIDs) == 0 {
		log.Warn().Str("rule_id", rule.ID).Msg("rule has no notification channels")
	}
	return queued
}

func (m *Manager) Get(ctx context.Context, id string) (*model.Incident, error) {
	return m.store.GetIncident(ctx, id)
}

func (m *Manager) List(ctx context.Context, f model.IncidentFilter) ([]*model.Incident, error) {
	return m.store.ListIncidents(ctx, f)
}

// Acknowledge moves ACTIVE to ACKNOWLEDGED. Acknowledging an ACKNOWLEDGED incident is a no-op.
func (m *Manager) Acknowledge(ctx context.Context, id, user string) (*model.Incident, error) {
	return m.transition(ctx, id, "acknowledge", func(cur model.IncidentStatus) (model.IncidentStatus, bool, error) {
		switch cur {
		case model.IncidentActive:
			return model.IncidentAcknowledged, true, nil
		case model.IncidentAcknowledged:
			return cur, false, nil
		}
		return "", false, &model.StateError{IncidentID: id, From: cur, Action: "acknowledge"}
	}, user, "")
}

// Resolve moves ACTIVE or ACKNOWLEDGED to RESOLVED. RESOLVED is terminal.
func (m *Manager) Resolve(ctx context.Context, id, user, notes string) (*model.Incident, error) {
	return m.transition(ctx, id, "resolve", func(cur model.IncidentStatus) (model.IncidentStatus, bool, error) {
		switch cur {
		case model.IncidentActive, model.IncidentAcknowledged:
			return model.IncidentResolved, true, nil
		}
		return "", false, &model.StateError{IncidentID: id, From: cur, Action: "resolve"}
	}, user, notes)
}

type decideFunc func(cur model.IncidentStatus) (next model.IncidentStatus, write bool, err error)

const maxTransitionAttempts = 3

func (m *Manager) transition(ctx context.Context, id, action string, decide decideFunc, user, notes string) (*model.Incident, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		inc, err := m.store.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		next, write, err := decide(inc.Status)
		if err != nil {
			return nil, err
		}
		if !write {
			return inc, nil
		}
		at := m.now().UTC()
		err = m.store.UpdateStatus(ctx, id, inc.Status, next, user, notes, at)
		if errors.Is(err, model.ErrInvalidState) {
			// status moved underneath us; decide again on the fresh row
			continue
		}
		if err != nil {
			return nil, err
		}
		inc.Status = next
		switch next {
		case model.IncidentAcknowledged:
			inc.AcknowledgedAt, inc.AcknowledgedBy = &at, user
		case model.IncidentResolved:
			inc.ResolvedAt, inc.ResolvedBy, inc.ResolutionNotes = &at, user, notes
		}
		log.Info().Str("incident_id", id).Str("action", action).Str("actor", user).Msg("incident status changed")
		m.publish("incident."+strings.ToLower(string(next)), inc, user)
		return inc, nil
	}
	return nil, fmt.Errorf("incident %s: concurrent updates while trying to %s: %w", id, action, model.ErrInvalidState)
}

// DeliveryFinished recomputes the incident's notification status after one of its requests
// reached a terminal state: DISPATCHED once any request was delivered, FAILED when all dead-lettered.
func (m *Manager) DeliveryFinished(ctx context.Context, incidentID string) {
	if m.log == nil {
		return
	}
	reqs, err := m.log.ListNotifications(ctx, model.NotificationFilter{IncidentID: incidentID})
	if err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("list notifications for roll-up failed")
		return
	}
	st, ok := rollUp(reqs)
	if !ok {
		return
	}
	if err := m.store.UpdateNotificationStatus(ctx, incidentID, st); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("update notification status failed")
	}
}

func rollUp(reqs []*model.NotificationRequest) (model.NotificationStatus, bool) {
	if len(reqs) == 0 {
		return "", false
	}
	dead := 0
	for _, r := range reqs {
		switch r.Status {
		case model.DeliveryDelivered:
			return model.NotificationDispatched, true
		case model.DeliveryDeadLetter:
			dead++
		}
	}
	if dead == len(reqs) {
		return model.NotificationFailed, true
	}
	return "", false
}

func (m *Manager) publish(kind string, inc *model.Incident, actor string) {
	evt := bus.Event{
		Type:       kind,
		IncidentID: inc.ID,
		RuleID:     inc.RuleID,
		Severity:   inc.Severity,
		Status:     string(inc.Status),
		Actor:      actor,
		At:         m.now().UTC(),
	}
	if err := m.events.Publish(kind, evt); err != nil {
		log.Warn().Err(err).Str("incident_id", inc.ID).Str("event", kind).Msg("publish incident event failed")
	}
}

// Describe renders the human readable message for an incident from its evidence.
func Describe(rule *model.AlertRule, ev map[string]any) string {
	switch rule.Type {
	case model.RuleTypeThreshold:
		return fmt.Sprintf("%v is %v (threshold %v %v)", ev["metric"], ev["value"], ev["operator"], ev["threshold"])
	case model.RuleTypePattern:
		return fmt.Sprintf("%v matched %q: %v", ev["metric"], ev["pattern"], ev["matched"])
	case model.RuleTypeAnomaly:
		return fmt.Sprintf("%v is %v, z-score %.2f exceeds %v (mean %v, std dev %v)",
			ev["metric"], ev["value"], ev["z_score"], ev["sensitivity"], ev["mean"], ev["std_dev"])
	case model.RuleTypeScheduled:
		return fmt.Sprintf("scheduled check %v due at %v", ev["schedule"], ev["due_at"])
	}
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev[k]))
	}
	return strings.Join(parts, " ")
}
