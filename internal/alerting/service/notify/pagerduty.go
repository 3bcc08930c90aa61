package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

const defaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

type PagerDutySender struct {
	client      *resty.Client
	service     string
	environment string
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
	Links       []pagerDutyLink  `json:"links,omitempty"`
}

type pagerDutyPayload struct {
	Summary       string                 `json:"summary"`
	Severity      string                 `json:"severity"`
	Source        string                 `json:"source"`
	Component     string                 `json:"component"`
	CustomDetails map[string]interface{} `json:"custom_details"`
}

type pagerDutyLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

func (p *PagerDutySender) Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error {
	if cfg.PagerDuty == nil {
		return ErrInvalidChannelConfig
	}
	url := cfg.PagerDuty.EventsURL
	if url == "" {
		url = defaultPagerDutyURL
	}
	ev := buildPagerDutyEvent(alert, cfg.PagerDuty.RoutingKey, p.service, p.environment)
	return sendJSON(ctx, p.client, "POST", url, nil, ev)
}

// buildPagerDutyEvent keys incidents by rule so a resolve closes the incident its trigger opened.
func buildPagerDutyEvent(a model.Alert, routingKey, service, environment string) pagerDutyEvent {
	action := "trigger"
	if a.Status == model.StatusResolved {
		action = "resolve"
	}
	details := map[string]interface{}{
		"alert_id":    a.ID,
		"rule_id":     a.RuleID,
		"status":      string(a.Status),
		"value":       a.Value,
		"threshold":   a.Threshold,
		"fired_at":    a.FiredAt,
		"environment": environment,
	}
	if a.Description != "" {
		details["description"] = a.Description
	}
	for k, v := range a.Labels {
		details["label_"+k] = v
	}
	if a.ResolvedAt != nil {
		details["resolved_at"] = *a.ResolvedAt
	}

	var links []pagerDutyLink
	for _, key := range []string{"dashboard_url", "runbook_url"} {
		if href := a.Annotations[key]; href != "" {
			links = append(links, pagerDutyLink{Href: href, Text: strings.TrimSuffix(key, "_url")})
		}
	}

	return pagerDutyEvent{
		RoutingKey:  routingKey,
		EventAction: action,
		DedupKey:    "voice-agent-" + a.RuleID,
		Payload: pagerDutyPayload{
			Summary:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Name),
			Severity:      string(a.Severity),
			Source:        service,
			Component:     a.RuleID,
			CustomDetails: details,
		},
		Links: links,
	}
}
