package model

import (
	"fmt"
	"net/url"
	"strings"
)

type ChannelType string

const (
	ChannelEmail     ChannelType = "EMAIL"
	ChannelWebhook   ChannelType = "WEBHOOK"
	ChannelSlack     ChannelType = "SLACK"
	ChannelSMS       ChannelType = "SMS"
	ChannelPagerDuty ChannelType = "PAGERDUTY"
)

// ChannelTypes lists every supported channel type.
var ChannelTypes = []ChannelType{ChannelEmail, ChannelWebhook, ChannelSlack, ChannelSMS, ChannelPagerDuty}

func (t ChannelType) Valid() bool {
	for _, ct := range ChannelTypes {
		if t == ct {
			return true
		}
	}
	return false
}

// ChannelConfig is the channel-specific configuration document:
// email {recipients}, webhook {url, headers?}, slack {webhook_url},
// pagerduty {integration_key}, sms {numbers}.
type ChannelConfig map[string]any

// String returns a string value for key, or "".
func (c ChannelConfig) String(key string) string {
	if v, ok := c[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Strings returns a list value for key. JSON and YAML decoders produce []any, so both shapes are accepted.
func (c ChannelConfig) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	}
	return nil
}

// StringMap returns a string map for key, dropping non-string values.
func (c ChannelConfig) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := c[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, it := range v {
			if s, ok := it.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// Clone copies the top level of the document.
func (c ChannelConfig) Clone() ChannelConfig {
	out := make(ChannelConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Channel is a notification destination.
type Channel struct {
	ID      string        `json:"channel_id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Type    ChannelType   `json:"channel_type" yaml:"type"`
	Config  ChannelConfig `json:"configuration" yaml:"configuration"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
}

// Validate checks that the configuration carries what the channel type needs.
func (ch *Channel) Validate() error {
	if strings.TrimSpace(ch.ID) == "" {
		return ConfigErrorf("channel_id", "required")
	}
	if !ch.Type.Valid() {
		return ConfigErrorf("channel_type", "unsupported channel type %q", ch.Type)
	}
	cfg := ch.Config
	switch ch.Type {
	case ChannelEmail:
		if len(cfg.Strings("recipients")) == 0 {
			return ConfigErrorf("configuration.recipients", "at least one recipient required")
		}
	case ChannelWebhook:
		if err := validURL(cfg.String("url")); err != nil {
			return ConfigErrorf("configuration.url", "%v", err)
		}
	case ChannelSlack:
		if err := validURL(cfg.String("webhook_url")); err != nil {
			return ConfigErrorf("configuration.webhook_url", "%v", err)
		}
	case ChannelPagerDuty:
		if cfg.String("integration_key") == "" {
			return ConfigErrorf("configuration.integration_key", "required")
		}
	case ChannelSMS:
		if len(cfg.Strings("numbers")) == 0 {
			return ConfigErrorf("configuration.numbers", "at least one number required")
		}
	}
	return nil
}

func validURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
