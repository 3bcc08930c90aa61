package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_EnvDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, "30s", cfg.Alerting.Engine.EvaluationInterval)
	assert.Equal(t, 100, cfg.Alerting.Engine.MaxActiveAlerts)
	assert.Equal(t, 10, cfg.Alerting.Notification.RateLimitPerMinute)
	assert.Equal(t, []string{"slack"}, cfg.Alerting.Notification.DefaultChannels)
	assert.Equal(t, "https://events.pagerduty.com/v2/enqueue", cfg.Alerting.Notification.PagerDuty.EventsURL)
	assert.Equal(t, 3, cfg.Rollout.Controller.MaxConsecutiveWarnings)
	assert.True(t, cfg.Rollout.Controller.AutoRollbackOnCritical)
	assert.Equal(t, "pagerduty", cfg.Rollout.Controller.EscalationChannel)
	assert.Equal(t, "registry", cfg.Rollout.MetricsSource)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("ALERT_MAX_ACTIVE", "7")
	t.Setenv("NOTIFY_DEFAULT_CHANNELS", "slack,email")
	t.Setenv("WEBHOOK_HEADERS", "X-Token:abc,X-Env:test")
	t.Setenv("DB_PORT", "6543")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Alerting.Engine.MaxActiveAlerts)
	assert.Equal(t, []string{"slack", "email"}, cfg.Alerting.Notification.DefaultChannels)
	assert.Equal(t, map[string]string{"X-Token": "abc", "X-Env": "test"}, cfg.Alerting.Notification.Webhook.Headers)
	assert.Contains(t, cfg.Database.DSN(), "port=6543")
	assert.Contains(t, cfg.Database.URL(), "localhost:6543/rolloutguard")
}

func TestLoadFrom_FileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"server": {"bindAddr": ":18080"},
		"alerting": {"engine": {"repeatInterval": "", "maxActiveAlerts": 0}},
		"rollout": {"feature": "voice_agent_v2", "controller": {"autoRollbackOnCritical": false}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.Server.BindAddr)
	assert.Equal(t, "voice_agent_v2", cfg.Rollout.Feature)
	assert.False(t, cfg.Rollout.Controller.AutoRollbackOnCritical)
	// blanked fields fall back to defaults
	assert.Equal(t, "15m", cfg.Alerting.Engine.RepeatInterval)
	assert.Equal(t, 100, cfg.Alerting.Engine.MaxActiveAlerts)
	// untouched fields keep env defaults
	assert.Equal(t, "5m", cfg.Alerting.Engine.DeduplicationWindow)
}

func TestLoadFrom_BadFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = LoadFrom(path)
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseDuration("30s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
}
