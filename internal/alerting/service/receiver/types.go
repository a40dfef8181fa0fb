package receiver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one pushed metric value or log line. Pattern rules match against Text.
type Event struct {
	Metric         string            `json:"metric"`
	Value          *float64          `json:"value,omitempty"`
	Text           string            `json:"text,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// EventBatch is the body of POST /v1/integrations/events.
type EventBatch struct {
	Events []Event `json:"events"`
}

const maxBatch = 1000

// ValidateBatch rejects empty batches and events that carry neither a value nor text.
func ValidateBatch(b *EventBatch) error {
	if len(b.Events) == 0 {
		return errors.New("events must not be empty")
	}
	if len(b.Events) > maxBatch {
		return fmt.Errorf("at most %d events per request", maxBatch)
	}
	for i, e := range b.Events {
		if strings.TrimSpace(e.Metric) == "" {
			return fmt.Errorf("events[%d].metric is required", i)
		}
		if e.Value == nil && strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("events[%d] needs a value or text", i)
		}
	}
	return nil
}
