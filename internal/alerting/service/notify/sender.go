package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

// Sender delivers one alert to one channel. A returned error counts as a failed attempt.
type Sender interface {
	Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, alert model.Alert, cfg ChannelConfig) error

func (f SenderFunc) Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error {
	return f(ctx, alert, cfg)
}

// defaultSenders builds the production senders sharing one HTTP client.
func defaultSenders(cfg Config, now func() time.Time) map[ChannelKind]Sender {
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "rolloutguard-notifier")
	return map[ChannelKind]Sender{
		ChannelSlack:     &SlackSender{client: client},
		ChannelPagerDuty: &PagerDutySender{client: client, service: cfg.Service, environment: cfg.Environment},
		ChannelWebhook:   &WebhookSender{client: client, service: cfg.Service, environment: cfg.Environment, now: now},
		ChannelEmail:     NewEmailSender(cfg.Service),
	}
}

func sendJSON(ctx context.Context, client *resty.Client, method, url string, headers map[string]string, body interface{}) error {
	req := client.R().SetContext(ctx).SetBody(body)
	for k, v := range headers {
		req.SetHeader(k, v)
	}
	if method == "" {
		method = http.MethodPost
	}
	resp, err := req.Execute(strings.ToUpper(method), url)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func severityColor(a model.Alert) string {
	if a.Status == model.StatusResolved {
		return "#2eb886"
	}
	switch a.Severity {
	case model.SeverityCritical:
		return "#dc3545"
	case model.SeverityWarning:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
