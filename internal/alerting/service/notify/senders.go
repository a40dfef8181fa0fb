package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

const defaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// Router picks the transport registered for the request's channel type.
type Router map[model.ChannelType]Sender

func (r Router) Send(ctx context.Context, req *model.NotificationRequest) error {
	s, ok := r[req.ChannelType]
	if !ok {
		return fmt.Errorf("%s: %w", req.ChannelType, ErrUnsupportedChannel)
	}
	return s.Send(ctx, req)
}

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type TransportOptions struct {
	Client          *http.Client
	SMTP            SMTPSettings
	PagerDutyURL    string
	SMSGatewayURL   string
	SMSGatewayToken string
}

// NewRouter registers a transport for every supported channel type.
func NewRouter(o TransportOptions) Router {
	client := o.Client
	if client == nil {
		client = &http.Client{}
	}
	return Router{
		model.ChannelEmail:     &EmailSender{SMTP: o.SMTP},
		model.ChannelWebhook:   &WebhookSender{Client: client},
		model.ChannelSlack:     &SlackSender{Client: client},
		model.ChannelPagerDuty: &PagerDutySender{Client: client, URL: o.PagerDutyURL},
		model.ChannelSMS:       &SMSSender{Client: client, GatewayURL: o.SMSGatewayURL, Token: o.SMSGatewayToken},
	}
}

// postJSON POSTs body as JSON and maps transport failures and non-2xx answers to DeliveryError.
func postJSON(ctx context.Context, client *http.Client, ct model.ChannelType, endpoint string, headers map[string]string, body any) error {
	bs, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ct, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		return model.ConfigErrorf("url", "%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &model.DeliveryError{ChannelType: ct, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &model.DeliveryError{ChannelType: ct, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	return nil
}

// WebhookSender POSTs the alert to configuration.url with configuration.headers.
type WebhookSender struct {
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	url := req.ChannelConfig.String("url")
	if url == "" {
		return model.ConfigErrorf("configuration.url", "required")
	}
	return postJSON(ctx, s.Client, model.ChannelWebhook, url, req.ChannelConfig.StringMap("headers"), renderWebhook(req))
}

// SlackSender posts to an incoming-webhook URL.
type SlackSender struct {
	Client *http.Client
}

func (s *SlackSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	url := req.ChannelConfig.String("webhook_url")
	if url == "" {
		return model.ConfigErrorf("configuration.webhook_url", "required")
	}
	return postJSON(ctx, s.Client, model.ChannelSlack, url, nil, slackPayload{Text: renderText(req.AlertData)})
}

// PagerDutySender triggers an Events API v2 alert keyed by the incident ID.
type PagerDutySender struct {
	Client *http.Client
	URL    string
}

func (s *PagerDutySender) Send(ctx context.Context, req *model.NotificationRequest) error {
	key := req.ChannelConfig.String("integration_key")
	if key == "" {
		return model.ConfigErrorf("configuration.integration_key", "required")
	}
	url := s.URL
	if url == "" {
		url = defaultPagerDutyURL
	}
	return postJSON(ctx, s.Client, model.ChannelPagerDuty, url, nil, renderPagerDuty(key, req.AlertData))
}

// SMSSender sends one gateway request per configured number. Any failed number fails the
// whole attempt, so a retry resends to every number.
type SMSSender struct {
	Client     *http.Client
	GatewayURL string
	Token      string
}

func (s *SMSSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	if s.GatewayURL == "" {
		return model.ConfigErrorf("smsGatewayURL", "no SMS gateway configured")
	}
	numbers := req.ChannelConfig.Strings("numbers")
	if len(numbers) == 0 {
		return model.ConfigErrorf("configuration.numbers", "at least one number required")
	}
	var headers map[string]string
	if s.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + s.Token}
	}
	body := renderSMS(req.AlertData)
	for _, n := range numbers {
		if err := postJSON(ctx, s.Client, model.ChannelSMS, s.GatewayURL, headers, smsPayload{To: n, Body: body}); err != nil {
			return err
		}
	}
	return nil
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender sends through an SMTP relay with PLAIN auth when a username is set.
type EmailSender struct {
	SMTP     SMTPSettings
	sendMail sendMailFunc
}

func (s *EmailSender) Send(ctx context.Context, req *model.NotificationRequest) error {
	if s.SMTP.Host == "" {
		return model.ConfigErrorf("smtp.host", "no SMTP relay configured")
	}
	to := req.ChannelConfig.Strings("recipients")
	if len(to) == 0 {
		return model.ConfigErrorf("configuration.recipients", "at least one recipient required")
	}
	port := s.SMTP.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.SMTP.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if s.SMTP.Username != "" {
		auth = smtp.PlainAuth("", s.SMTP.Username, s.SMTP.Password, s.SMTP.Host)
	}
	send := s.sendMail
	if send == nil {
		send = sendMail
	}
	msg := renderEmail(s.SMTP.From, to, req.AlertData)
	if err := send(ctx, addr, auth, s.SMTP.From, to, msg); err != nil {
		return &model.DeliveryError{ChannelType: model.ChannelEmail, Err: err}
	}
	return nil
}

// sendMail is smtp.SendMail over a connection that ctx can cut, so a timed out attempt
// cannot complete behind the caller's back.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return withContext(ctx, err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return withContext(ctx, err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return withContext(ctx, err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return withContext(ctx, err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return withContext(ctx, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return withContext(ctx, err)
	}
	if _, err := w.Write(msg); err != nil {
		return withContext(ctx, err)
	}
	if err := w.Close(); err != nil {
		return withContext(ctx, err)
	}
	return c.Quit()
}

// withContext reports the context error when ctx ended the exchange.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
