package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher emits alerting lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(subject string, v any) error
	Close()
}

// Event is the envelope published for incident lifecycle changes.
type Event struct {
	Type       string    `json:"type"`
	IncidentID string    `json:"incident_id"`
	RuleID     string    `json:"rule_id"`
	Severity   string    `json:"severity,omitempty"`
	Status     string    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

type NATSPublisher struct {
	Conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url. Subjects are published under prefix, e.g. "alerting.incident.raised".
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("alertcore"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{Conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

func (p *NATSPublisher) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.Conn.Publish(p.subject(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

// Noop discards events; used when no NATS url is configured.
type Noop struct{}

func (Noop) Publish(string, any) error { return nil }
func (Noop) Close()                    {}
