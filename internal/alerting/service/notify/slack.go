package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

type SlackSender struct {
	client *resty.Client
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string        `json:"type"`
	Text     *slackText    `json:"text,omitempty"`
	Fields   []slackText   `json:"fields,omitempty"`
	Elements []interface{} `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackElement struct {
	Type  string    `json:"type"`
	Text  slackText `json:"text"`
	URL   string    `json:"url,omitempty"`
	Style string    `json:"style,omitempty"`
}

func (s *SlackSender) Send(ctx context.Context, alert model.Alert, cfg ChannelConfig) error {
	if cfg.Slack == nil {
		return ErrInvalidChannelConfig
	}
	return sendJSON(ctx, s.client, "POST", cfg.Slack.WebhookURL, nil, buildSlackMessage(alert, *cfg.Slack))
}

func buildSlackMessage(a model.Alert, st SlackSettings) slackMessage {
	title := fmt.Sprintf("%s [%s] %s", severityEmoji(a), strings.ToUpper(string(a.Severity)), a.Name)
	if a.Status == model.StatusResolved {
		title = fmt.Sprintf(":white_check_mark: [RESOLVED] %s", a.Name)
	}

	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
	}
	if a.Description != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: a.Description}})
	}
	blocks = append(blocks, slackBlock{
		Type: "section",
		Fields: []slackText{
			{Type: "mrkdwn", Text: "*Severity:*\n" + string(a.Severity)},
			{Type: "mrkdwn", Text: "*Status:*\n" + string(a.Status)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Value:*\n%g", a.Value)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Threshold:*\n%g", a.Threshold)},
		},
	})
	if len(a.Labels) > 0 {
		keys := make([]string, 0, len(a.Labels))
		for k := range a.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("`%s=%s`", k, a.Labels[k]))
		}
		blocks = append(blocks, slackBlock{
			Type:     "context",
			Elements: []interface{}{slackText{Type: "mrkdwn", Text: strings.Join(parts, " ")}},
		})
	}
	if st.DashboardURL != "" {
		blocks = append(blocks, slackBlock{
			Type: "actions",
			Elements: []interface{}{slackElement{
				Type:  "button",
				Text:  slackText{Type: "plain_text", Text: "View Dashboard"},
				URL:   st.DashboardURL,
				Style: "primary",
			}},
		})
	}

	return slackMessage{
		Channel:     st.Channel,
		Username:    st.Username,
		IconEmoji:   st.IconEmoji,
		Text:        title,
		Attachments: []slackAttachment{{Color: severityColor(a), Blocks: blocks}},
	}
}

func severityEmoji(a model.Alert) string {
	switch a.Severity {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
