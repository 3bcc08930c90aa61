package server

import (
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/alerting/service/notify"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
	"github.com/qiniu/rolloutguard/internal/config"
	"github.com/qiniu/rolloutguard/internal/rollout"
)

// channelConfigs 将配置文件中启用的通知渠道转换为 dispatcher 的渠道配置
func channelConfigs(n config.NotificationConfig) []notify.ChannelConfig {
	var out []notify.ChannelConfig
	if n.Slack.Enabled {
		out = append(out, notify.ChannelConfig{
			Kind:        notify.ChannelSlack,
			Enabled:     true,
			MinSeverity: model.Severity(n.Slack.MinSeverity),
			Slack: &notify.SlackSettings{
				WebhookURL:   n.Slack.WebhookURL,
				Channel:      n.Slack.Channel,
				Username:     n.Slack.Username,
				IconEmoji:    n.Slack.IconEmoji,
				DashboardURL: n.Slack.DashboardURL,
			},
		})
	}
	if n.Email.Enabled {
		out = append(out, notify.ChannelConfig{
			Kind:        notify.ChannelEmail,
			Enabled:     true,
			MinSeverity: model.Severity(n.Email.MinSeverity),
			Email: &notify.EmailSettings{
				SMTPHost: n.Email.SMTPHost,
				SMTPPort: n.Email.SMTPPort,
				Username: n.Email.Username,
				Password: n.Email.Password,
				From:     n.Email.From,
				To:       n.Email.To,
			},
		})
	}
	if n.PagerDuty.Enabled {
		out = append(out, notify.ChannelConfig{
			Kind:        notify.ChannelPagerDuty,
			Enabled:     true,
			MinSeverity: model.Severity(n.PagerDuty.MinSeverity),
			PagerDuty: &notify.PagerDutySettings{
				RoutingKey: n.PagerDuty.RoutingKey,
				EventsURL:  n.PagerDuty.EventsURL,
			},
		})
	}
	if n.Webhook.Enabled {
		out = append(out, notify.ChannelConfig{
			Kind:        notify.ChannelWebhook,
			Enabled:     true,
			MinSeverity: model.Severity(n.Webhook.MinSeverity),
			Webhook: &notify.WebhookSettings{
				URL:     n.Webhook.URL,
				Method:  n.Webhook.Method,
				Headers: n.Webhook.Headers,
			},
		})
	}
	return out
}

func engineConfig(c config.AlertingConfig) ruleset.Config {
	def := ruleset.DefaultConfig()
	return ruleset.Config{
		EvaluationInterval:  config.ParseDuration(c.Engine.EvaluationInterval, def.EvaluationInterval),
		DeduplicationWindow: config.ParseDuration(c.Engine.DeduplicationWindow, def.DeduplicationWindow),
		RepeatInterval:      config.ParseDuration(c.Engine.RepeatInterval, def.RepeatInterval),
		MaxActiveAlerts:     c.Engine.MaxActiveAlerts,
		SweepInterval:       config.ParseDuration(c.Engine.SweepInterval, def.SweepInterval),
		HistoryLimit:        def.HistoryLimit,
		LoadDefaultRules:    c.Engine.LoadDefaultRules,
	}
}

func dispatcherConfig(n config.NotificationConfig) notify.Config {
	def := notify.DefaultConfig()
	cfg := def
	cfg.Enabled = n.Enabled
	cfg.DeduplicationWindow = config.ParseDuration(n.DeduplicationWindow, def.DeduplicationWindow)
	cfg.RateLimitPerMinute = n.RateLimitPerMinute
	cfg.MaxRetries = n.MaxRetries
	cfg.RetryBaseDelay = config.ParseDuration(n.RetryBaseDelay, def.RetryBaseDelay)
	cfg.RequestTimeout = config.ParseDuration(n.RequestTimeout, def.RequestTimeout)
	cfg.Environment = n.Environment
	cfg.Service = n.Service
	if chs := notify.ParseChannels(n.DefaultChannels); len(chs) > 0 {
		cfg.DefaultChannels = chs
	}
	return cfg
}

func controllerConfig(r config.RolloutConfig) rollout.Config {
	def := rollout.DefaultConfig()
	c := r.Controller
	return rollout.Config{
		Feature:                r.Feature,
		CheckInterval:          config.ParseDuration(c.CheckInterval, def.CheckInterval),
		MetricsWindow:          config.ParseDuration(c.MetricsWindow, def.MetricsWindow),
		MaxConsecutiveWarnings: c.MaxConsecutiveWarnings,
		WarningEscalation:      config.ParseDuration(c.WarningEscalation, def.WarningEscalation),
		AutoRollbackOnCritical: c.AutoRollbackOnCritical,
		SuppressionWindow:      config.ParseDuration(c.SuppressionWindow, def.SuppressionWindow),
		DefaultChannels:        c.DefaultChannels,
		EscalationChannel:      c.EscalationChannel,
	}
}
