package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

type WebhookSender struct {
	client      *resty.Client
	service     string
	environment string
	now         func() time.Time
}

type webhookPayload struct {
	Alert    webhookAlert    `json:"alert"`
	Metadata webhookMetadata `json:"metadata"`
}

type webhookAlert struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    model.Severity    `json:"severity"`
	Status      model.Status      `json:"status"`
	Value       float64           `json:"value"`
	Threshold   float64           `json:"threshold"`
	FiredAt     time.Time         `json:"firedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
	Labels      map[string]string `json:"labels"`
}

type webhookMetadata struct {
	Environment string    `json:"environment"`
	Service     string    `json:"service"`
	Timestamp   time.Time `json:"timestamp"`
}

func (w *WebhookSender) Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error {
	if cfg.Webhook == nil {
		return ErrInvalidChannelConfig
	}
	body := buildWebhookPayload(alert, w.environment, w.service, w.now())
	return sendJSON(ctx, w.client, cfg.Webhook.Method, cfg.Webhook.URL, cfg.Webhook.Headers, body)
}

func buildWebhookPayload(a model.Alert, environment, service string, now time.Time) webhookPayload {
	labels := a.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return webhookPayload{
		Alert: webhookAlert{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Severity:    a.Severity,
			Status:      a.Status,
			Value:       a.Value,
			Threshold:   a.Threshold,
			FiredAt:     a.FiredAt,
			ResolvedAt:  a.ResolvedAt,
			Labels:      labels,
		},
		Metadata: webhookMetadata{Environment: environment, Service: service, Timestamp: now},
	}
}
