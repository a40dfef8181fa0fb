package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

const smsMaxRunes = 160

// renderText is the plain-text body shared by email and Slack.
func renderText(a model.AlertData) string {
	var b strings.Builder
	b.WriteString(a.Title)
	b.WriteString("\n")
	if a.Message != "" {
		b.WriteString(a.Message)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "incident: %s\n", a.IncidentID)
	fmt.Fprintf(&b, "rule: %s (%s)\n", a.RuleName, a.RuleID)
	fmt.Fprintf(&b, "triggered at: %s", a.TriggeredAt.UTC().Format(time.RFC3339))
	return b.String()
}

func renderSubject(a model.AlertData) string {
	if a.Title != "" {
		return a.Title
	}
	return fmt.Sprintf("[%s] alert %s", a.Severity, a.RuleName)
}

// renderSMS fits the alert into a single SMS segment.
func renderSMS(a model.AlertData) string {
	s := renderSubject(a)
	if a.Message != "" {
		s += ": " + a.Message
	}
	if utf8.RuneCountInString(s) <= smsMaxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:smsMaxRunes-3]) + "..."
}

type webhookPayload struct {
	NotificationID string          `json:"notification_id"`
	ChannelID      string          `json:"channel_id"`
	Attempt        int             `json:"attempt"`
	Alert          model.AlertData `json:"alert"`
}

func renderWebhook(req *model.NotificationRequest) webhookPayload {
	return webhookPayload{
		NotificationID: req.ID,
		ChannelID:      req.ChannelID,
		Attempt:        req.RetryCount + 1,
		Alert:          req.AlertData,
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Timestamp     string         `json:"timestamp,omitempty"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

func renderPagerDuty(routingKey string, a model.AlertData) pagerDutyEvent {
	summary := a.Title
	if a.Message != "" {
		summary += ": " + a.Message
	}
	return pagerDutyEvent{
		RoutingKey:  routingKey,
		EventAction: "trigger",
		DedupKey:    a.IncidentID,
		Payload: pagerDutyPayload{
			Summary:       summary,
			Severity:      pagerDutySeverity(a.Severity),
			Source:        "alertcore/" + a.RuleID,
			Timestamp:     a.TriggeredAt.UTC().Format(time.RFC3339),
			CustomDetails: a.Evidence,
		},
	}
}

// pagerDutySeverity maps rule severities onto the four levels Events v2 accepts.
func pagerDutySeverity(sev string) string {
	switch strings.ToUpper(strings.TrimSpace(sev)) {
	case "P0", "P1", "CRITICAL":
		return "critical"
	case "P2", "HIGH", "ERROR":
		return "error"
	case "P3", "MEDIUM", "WARNING":
		return "warning"
	}
	return "info"
}

type smsPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// renderEmail builds an RFC 5322 message with a plain-text body.
func renderEmail(from string, to []string, a model.AlertData) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(renderSubject(a)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(renderText(a), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
