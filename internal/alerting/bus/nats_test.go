package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish("incident.raised", Event{Type: "incident.raised"}))
	p.Close()
}

func TestNATSPublisher(t *testing.T) {
	pub, err := NewNATSPublisher(nats.DefaultURL, "alerting-test")
	if err != nil {
		t.Skip("NATS not available, skipping test")
	}
	defer pub.Close()

	sub, err := pub.Conn.SubscribeSync("alerting-test.incident.raised")
	require.NoError(t, err)

	evt := Event{Type: "incident.raised", IncidentID: "i-1", RuleID: "r-1", Status: "ACTIVE", At: time.Now().UTC()}
	require.NoError(t, pub.Publish("incident.raised", evt))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "i-1", got.IncidentID)
	assert.Equal(t, "ACTIVE", got.Status)
}
