package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

var (
	// ErrUnknownChannel is returned for a channel kind outside slack/email/pagerduty/webhook.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrInvalidChannelConfig is returned when a config lacks the settings of its kind.
	ErrInvalidChannelConfig = errors.New("invalid notification channel config")
	// ErrChannelNotConfigured is returned by TestChannel for an unset or disabled channel.
	ErrChannelNotConfigured = errors.New("notification channel not configured")
)

// rate-limit rejections carry this error text in DeliveryStatus
const rateLimitExceeded = "Rate limit exceeded"

type ChannelKind string

const (
	ChannelSlack     ChannelKind = "slack"
	ChannelEmail     ChannelKind = "email"
	ChannelPagerDuty ChannelKind = "pagerduty"
	ChannelWebhook   ChannelKind = "webhook"
)

// AllChannels lists every supported kind in a stable order.
var AllChannels = []ChannelKind{ChannelSlack, ChannelEmail, ChannelPagerDuty, ChannelWebhook}

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelSlack, ChannelEmail, ChannelPagerDuty, ChannelWebhook:
		return true
	}
	return false
}

// ParseChannels converts names into kinds, dropping blanks and unknown names.
func ParseChannels(names []string) []ChannelKind {
	out := make([]ChannelKind, 0, len(names))
	for _, n := range names {
		k := ChannelKind(strings.ToLower(strings.TrimSpace(n)))
		if k == "" {
			continue
		}
		if !k.Valid() {
			continue
		}
		out = append(out, k)
	}
	return out
}

type SlackSettings struct {
	WebhookURL   string `json:"webhookUrl"`
	Channel      string `json:"channel,omitempty"`
	Username     string `json:"username,omitempty"`
	IconEmoji    string `json:"iconEmoji,omitempty"`
	DashboardURL string `json:"dashboardUrl,omitempty"`
}

type EmailSettings struct {
	SMTPHost string   `json:"smtpHost"`
	SMTPPort int      `json:"smtpPort"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

type PagerDutySettings struct {
	RoutingKey string `json:"routingKey"`
	EventsURL  string `json:"eventsUrl,omitempty"`
}

type WebhookSettings struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ChannelConfig is one channel variant. Exactly the settings block matching Kind is used.
type ChannelConfig struct {
	Kind        ChannelKind    `json:"kind"`
	Enabled     bool           `json:"enabled"`
	MinSeverity model.Severity `json:"minSeverity"`

	Slack     *SlackSettings     `json:"slack,omitempty"`
	Email     *EmailSettings     `json:"email,omitempty"`
	PagerDuty *PagerDutySettings `json:"pagerduty,omitempty"`
	Webhook   *WebhookSettings   `json:"webhook,omitempty"`
}

// Validate checks the config carries the delivery parameters of its kind.
func (c ChannelConfig) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, c.Kind)
	}
	if c.MinSeverity != "" && !c.MinSeverity.Valid() {
		return fmt.Errorf("%w: unknown minSeverity %q", ErrInvalidChannelConfig, c.MinSeverity)
	}
	switch c.Kind {
	case ChannelSlack:
		if c.Slack == nil || c.Slack.WebhookURL == "" {
			return fmt.Errorf("%w: slack.webhookUrl is required", ErrInvalidChannelConfig)
		}
	case ChannelEmail:
		if c.Email == nil || c.Email.SMTPHost == "" || len(c.Email.To) == 0 {
			return fmt.Errorf("%w: email.smtpHost and email.to are required", ErrInvalidChannelConfig)
		}
	case ChannelPagerDuty:
		if c.PagerDuty == nil || c.PagerDuty.RoutingKey == "" {
			return fmt.Errorf("%w: pagerduty.routingKey is required", ErrInvalidChannelConfig)
		}
	case ChannelWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return fmt.Errorf("%w: webhook.url is required", ErrInvalidChannelConfig)
		}
		if m := strings.ToUpper(c.Webhook.Method); m != "" && m != "POST" && m != "PUT" {
			return fmt.Errorf("%w: webhook.method must be POST or PUT", ErrInvalidChannelConfig)
		}
	}
	return nil
}

// redacted hides credentials before a config leaves the dispatcher.
func (c ChannelConfig) redacted() ChannelConfig {
	out := c
	if c.Slack != nil {
		s := *c.Slack
		s.WebhookURL = mask(s.WebhookURL)
		out.Slack = &s
	}
	if c.Email != nil {
		e := *c.Email
		e.Password = mask(e.Password)
		e.To = append([]string(nil), c.Email.To...)
		out.Email = &e
	}
	if c.PagerDuty != nil {
		p := *c.PagerDuty
		p.RoutingKey = mask(p.RoutingKey)
		out.PagerDuty = &p
	}
	if c.Webhook != nil {
		w := *c.Webhook
		w.Headers = make(map[string]string, len(c.Webhook.Headers))
		for k := range c.Webhook.Headers {
			w.Headers[k] = "***"
		}
		out.Webhook = &w
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// DeliveryStatus is the outcome of delivering one alert to one channel.
type DeliveryStatus struct {
	Channel   ChannelKind `json:"channel"`
	Success   bool        `json:"success"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationRecord groups the channel outcomes of one dispatch.
type NotificationRecord struct {
	ID             string           `json:"id"`
	AlertID        string           `json:"alertId"`
	RuleID         string           `json:"ruleId"`
	Status         model.Status     `json:"status"`
	DeliveryStatus []DeliveryStatus `json:"deliveryStatus"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type Config struct {
	Enabled             bool
	DeduplicationWindow time.Duration
	RateLimitPerMinute  int
	MaxRetries          int
	RetryBaseDelay      time.Duration
	DefaultChannels     []ChannelKind
	Environment         string
	Service             string
	HistoryLimit        int
	RequestTimeout      time.Duration

	// circuit breaker per channel
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		DeduplicationWindow: 5 * time.Minute,
		RateLimitPerMinute:  10,
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		DefaultChannels:     []ChannelKind{ChannelSlack},
		Environment:         "production",
		Service:             "voice-agent",
		HistoryLimit:        1000,
		RequestTimeout:      10 * time.Second,
		BreakerFailures:     5,
		BreakerTimeout:      30 * time.Second,
	}
}
