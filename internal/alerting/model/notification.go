package model

import "time"

type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "QUEUED"
	DeliveryRetrying   DeliveryStatus = "RETRYING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryDeadLetter DeliveryStatus = "DEAD_LETTER"
)

// Terminal reports whether no further attempt will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryDeadLetter
}

// AlertData is the snapshot of an incident rendered into every channel payload.
type AlertData struct {
	IncidentID  string         `json:"incident_id"`
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// NotificationRequest is one delivery of one incident to one channel.
type NotificationRequest struct {
	ID            string         `json:"notification_id"`
	IncidentID    string         `json:"incident_id"`
	ChannelID     string         `json:"channel_id"`
	ChannelType   ChannelType    `json:"channel_type"`
	ChannelConfig ChannelConfig  `json:"channel_config"`
	AlertData     AlertData      `json:"alert_data"`
	RetryCount    int            `json:"retry_count"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Status        DeliveryStatus `json:"status"`
	LastError     string         `json:"last_error,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Clone returns a copy that does not share the mutable status fields.
func (r *NotificationRequest) Clone() *NotificationRequest {
	out := *r
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}

// NotificationFilter narrows delivery-log listings.
type NotificationFilter struct {
	IncidentID string
	Statuses   []DeliveryStatus
	Limit      int
}
