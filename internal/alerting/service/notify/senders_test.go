package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Header http.Header
	Body   map[string]any
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(bs, &body)
		mu.Lock()
		got = append(got, capturedRequest{Header: r.Header.Clone(), Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func alertRequest(ct model.ChannelType, cfg model.ChannelConfig) *model.NotificationRequest {
	return &model.NotificationRequest{
		ID: "n1", IncidentID: "inc-9", ChannelID: "c1", ChannelType: ct, ChannelConfig: cfg,
		AlertData: model.AlertData{
			IncidentID: "inc-9", RuleID: "r1", RuleName: "disk full", Severity: "P1",
			Title: "[P1] disk full", Message: "disk matched", TriggeredAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
			Evidence: map[string]any{"value": 97.0},
		},
	}
}

func TestWebhookSender(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	s := &WebhookSender{Client: srv.Client()}
	req := alertRequest(model.ChannelWebhook, model.ChannelConfig{"url": srv.URL, "headers": map[string]any{"Authorization": "Token abc"}})

	require.NoError(t, s.Send(context.Background(), req))
	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Token abc", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "n1", reqs[0].Body["notification_id"])
	assert.Equal(t, 1.0, reqs[0].Body["attempt"])
	alert := reqs[0].Body["alert"].(map[string]any)
	assert.Equal(t, "inc-9", alert["incident_id"])
}

func TestWebhookSender_Non2xxIsDeliveryError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)
	s := &WebhookSender{Client: srv.Client()}
	err := s.Send(context.Background(), alertRequest(model.ChannelWebhook, model.ChannelConfig{"url": srv.URL}))

	var de *model.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Contains(t, err.Error(), "nope")
	assert.False(t, permanent(err))
}

func TestSlackSender(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	s := &SlackSender{Client: srv.Client()}
	require.NoError(t, s.Send(context.Background(), alertRequest(model.ChannelSlack, model.ChannelConfig{"webhook_url": srv.URL})))

	text := got()[0].Body["text"].(string)
	assert.True(t, strings.HasPrefix(text, "[P1] disk full\n"))
	assert.Contains(t, text, "incident: inc-9")
	assert.Contains(t, text, "triggered at: 2024-03-01T08:00:00Z")
}

func TestPagerDutySender(t *testing.T) {
	srv, got := captureServer(t, http.StatusAccepted)
	s := &PagerDutySender{Client: srv.Client(), URL: srv.URL}
	require.NoError(t, s.Send(context.Background(), alertRequest(model.ChannelPagerDuty, model.ChannelConfig{"integration_key": "rk-1"})))

	body := got()[0].Body
	assert.Equal(t, "rk-1", body["routing_key"])
	assert.Equal(t, "trigger", body["event_action"])
	assert.Equal(t, "inc-9", body["dedup_key"])
	payload := body["payload"].(map[string]any)
	assert.Equal(t, "critical", payload["severity"])
	assert.Equal(t, "[P1] disk full: disk matched", payload["summary"])
	assert.Equal(t, "alertcore/r1", payload["source"])
}

func TestSMSSender(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	s := &SMSSender{Client: srv.Client(), GatewayURL: srv.URL, Token: "gw-token"}
	cfg := model.ChannelConfig{"numbers": []any{"+15550001", "+15550002"}}
	require.NoError(t, s.Send(context.Background(), alertRequest(model.ChannelSMS, cfg)))

	reqs := got()
	require.Len(t, reqs, 2)
	assert.Equal(t, "+15550001", reqs[0].Body["to"])
	assert.Equal(t, "+15550002", reqs[1].Body["to"])
	assert.Equal(t, "Bearer gw-token", reqs[1].Header.Get("Authorization"))
	assert.Equal(t, "[P1] disk full: disk matched", reqs[0].Body["body"])

	err := (&SMSSender{Client: srv.Client()}).Send(context.Background(), alertRequest(model.ChannelSMS, cfg))
	assert.True(t, model.IsConfigurationError(err))
	assert.True(t, permanent(err))
}

func TestEmailSender(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s := &EmailSender{
		SMTP: SMTPSettings{Host: "smtp.example.com", Port: 2525, Username: "bot", Password: "pw", From: "alerts@example.com"},
		sendMail: func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			assert.NotNil(t, a)
			return nil
		},
	}
	cfg := model.ChannelConfig{"recipients": []any{"ops@example.com", "sre@example.com"}}
	require.NoError(t, s.Send(context.Background(), alertRequest(model.ChannelEmail, cfg)))

	assert.Equal(t, "smtp.example.com:2525", gotAddr)
	assert.Equal(t, []string{"ops@example.com", "sre@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [P1] disk full\r\n")
	assert.Contains(t, gotMsg, "To: ops@example.com, sre@example.com\r\n")
	assert.Contains(t, gotMsg, "rule: disk full (r1)")

	s.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("535 auth failed")
	}
	err := s.Send(context.Background(), alertRequest(model.ChannelEmail, cfg))
	var de *model.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, model.ChannelEmail, de.ChannelType)
}

func TestEmailSender_TimeoutClosesRelayConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// a relay that never greets
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s := &EmailSender{SMTP: SMTPSettings{Host: "127.0.0.1", Port: port, From: "alerts@example.com"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, alertRequest(model.ChannelEmail, model.ChannelConfig{"recipients": []any{"ops@example.com"}}))

	var de *model.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("relay connection left open after the attempt timed out")
	}
}

func TestRouter_Unsupported(t *testing.T) {
	err := Router{}.Send(context.Background(), alertRequest(model.ChannelSMS, nil))
	assert.True(t, errors.Is(err, ErrUnsupportedChannel))
	assert.True(t, permanent(err))
}

func TestRenderSMSTruncates(t *testing.T) {
	a := model.AlertData{Title: "[P2] long", Message: strings.Repeat("x", 400)}
	out := renderSMS(a)
	assert.Equal(t, smsMaxRunes, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestPagerDutySeverity(t *testing.T) {
	cases := map[string]string{"P0": "critical", "p1": "critical", "P2": "error", "warning": "warning", "P4": "info", "": "info"}
	for in, want := range cases {
		assert.Equal(t, want, pagerDutySeverity(in), in)
	}
}
