package model

import "time"

type IncidentStatus string

const (
	IncidentActive       IncidentStatus = "ACTIVE"
	IncidentAcknowledged IncidentStatus = "ACKNOWLEDGED"
	IncidentResolved     IncidentStatus = "RESOLVED"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentActive, IncidentAcknowledged, IncidentResolved:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "PENDING"
	NotificationDispatched NotificationStatus = "DISPATCHED"
	NotificationFailed     NotificationStatus = "FAILED"
)

// Incident is one occurrence of a rule's condition being met.
type Incident struct {
	ID                 string             `json:"incident_id"`
	RuleID             string             `json:"rule_id"`
	Severity           string             `json:"severity"`
	Title              string             `json:"title"`
	Message            string             `json:"message"`
	Data               map[string]any     `json:"incident_data"`
	Status             IncidentStatus     `json:"status"`
	NotificationStatus NotificationStatus `json:"notification_status"`
	TriggeredAt        time.Time          `json:"triggered_at"`
	AcknowledgedAt     *time.Time         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string             `json:"acknowledged_by,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy         string             `json:"resolved_by,omitempty"`
	ResolutionNotes    string             `json:"resolution_notes,omitempty"`
}

// IncidentFilter narrows ListIncidents. Zero values mean "any".
type IncidentFilter struct {
	RuleID   string
	Statuses []IncidentStatus
	Since    time.Time
	Limit    int
}
