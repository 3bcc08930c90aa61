package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Alerting AlertingConfig `json:"alerting"`
	Rollout  RolloutConfig  `json:"rollout"`
}

type ServerConfig struct {
	BindAddr        string `json:"bindAddr" env:"SERVER_BIND_ADDR" envDefault:"0.0.0.0:8080"`
	MetricsBindAddr string `json:"metricsBindAddr" env:"METRICS_BIND_ADDR" envDefault:"0.0.0.0:9100"`
	// APIToken guards the control API when set.
	APIToken string `json:"apiToken" env:"SERVER_API_TOKEN"`
}

type DatabaseConfig struct {
	Enabled     bool   `json:"enabled" env:"DB_ENABLED" envDefault:"false"`
	Host        string `json:"host" env:"DB_HOST" envDefault:"localhost"`
	Port        int    `json:"port" env:"DB_PORT" envDefault:"5432"`
	User        string `json:"user" env:"DB_USER" envDefault:"admin"`
	Password    string `json:"password" env:"DB_PASSWORD" envDefault:"password"`
	DBName      string `json:"dbname" env:"DB_NAME" envDefault:"rolloutguard"`
	SSLMode     string `json:"sslmode" env:"DB_SSLMODE" envDefault:"disable"`
	AutoMigrate bool   `json:"autoMigrate" env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// DSN returns the key/value form accepted by lib/pq.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// URL returns the postgres:// form accepted by pgx and golang-migrate.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" envDefault:"info"`
	Format string `json:"format" env:"LOG_FORMAT" envDefault:"json"` // json | console
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string `json:"addr" env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB" envDefault:"0"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" env:"MQTT_ENABLED" envDefault:"false"`
	Broker      string `json:"broker" env:"MQTT_BROKER" envDefault:"tcp://localhost:1883"`
	ClientID    string `json:"clientId" env:"MQTT_CLIENT_ID" envDefault:"rolloutguard"`
	Username    string `json:"username" env:"MQTT_USERNAME"`
	Password    string `json:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `json:"topicPrefix" env:"MQTT_TOPIC_PREFIX" envDefault:"rolloutguard/events"`
}

type AlertingConfig struct {
	Engine       EngineConfig       `json:"engine"`
	Notification NotificationConfig `json:"notification"`
	RulesFile    string             `json:"rulesFile" env:"ALERT_RULES_FILE"`
	WatchRules   bool               `json:"watchRules" env:"ALERT_RULES_WATCH" envDefault:"true"`
}

type EngineConfig struct {
	EvaluationInterval  string `json:"evaluationInterval" env:"ALERT_EVAL_INTERVAL" envDefault:"30s"`
	DeduplicationWindow string `json:"deduplicationWindow" env:"ALERT_DEDUP_WINDOW" envDefault:"5m"`
	RepeatInterval      string `json:"repeatInterval" env:"ALERT_REPEAT_INTERVAL" envDefault:"15m"`
	MaxActiveAlerts     int    `json:"maxActiveAlerts" env:"ALERT_MAX_ACTIVE" envDefault:"100"`
	SweepInterval       string `json:"sweepInterval" env:"ALERT_SWEEP_INTERVAL" envDefault:"5m"`
	LoadDefaultRules    bool   `json:"loadDefaultRules" env:"ALERT_LOAD_DEFAULT_RULES" envDefault:"true"`
}

type NotificationConfig struct {
	Enabled             bool            `json:"enabled" env:"NOTIFY_ENABLED" envDefault:"true"`
	DeduplicationWindow string          `json:"deduplicationWindow" env:"NOTIFY_DEDUP_WINDOW" envDefault:"5m"`
	RateLimitPerMinute  int             `json:"rateLimitPerMinute" env:"NOTIFY_RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	MaxRetries          int             `json:"maxRetries" env:"NOTIFY_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay      string          `json:"retryBaseDelay" env:"NOTIFY_RETRY_BASE_DELAY" envDefault:"1s"`
	DefaultChannels     []string        `json:"defaultChannels" env:"NOTIFY_DEFAULT_CHANNELS" envDefault:"slack" envSeparator:","`
	Environment         string          `json:"environment" env:"NOTIFY_ENVIRONMENT" envDefault:"production"`
	Service             string          `json:"service" env:"NOTIFY_SERVICE" envDefault:"voice-agent"`
	QueueSize           int             `json:"queueSize" env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	RequestTimeout      string          `json:"requestTimeout" env:"NOTIFY_REQUEST_TIMEOUT" envDefault:"10s"`
	Slack               SlackConfig     `json:"slack"`
	Email               EmailConfig     `json:"email"`
	PagerDuty           PagerDutyConfig `json:"pagerduty"`
	Webhook             WebhookConfig   `json:"webhook"`
}

type SlackConfig struct {
	Enabled      bool   `json:"enabled" env:"SLACK_ENABLED" envDefault:"false"`
	WebhookURL   string `json:"webhookUrl" env:"SLACK_WEBHOOK_URL"`
	Channel      string `json:"channel" env:"SLACK_CHANNEL" envDefault:"#voice-agent-alerts"`
	Username     string `json:"username" env:"SLACK_USERNAME" envDefault:"Voice Agent Monitor"`
	IconEmoji    string `json:"iconEmoji" env:"SLACK_ICON_EMOJI" envDefault:":robot_face:"`
	DashboardURL string `json:"dashboardUrl" env:"SLACK_DASHBOARD_URL"`
	MinSeverity  string `json:"minSeverity" env:"SLACK_MIN_SEVERITY" envDefault:"warning"`
}

type EmailConfig struct {
	Enabled     bool     `json:"enabled" env:"EMAIL_ENABLED" envDefault:"false"`
	SMTPHost    string   `json:"smtpHost" env:"SMTP_HOST"`
	SMTPPort    int      `json:"smtpPort" env:"SMTP_PORT" envDefault:"587"`
	Username    string   `json:"username" env:"SMTP_USERNAME"`
	Password    string   `json:"password" env:"SMTP_PASSWORD"`
	From        string   `json:"from" env:"EMAIL_FROM" envDefault:"alerts@voice-agent.local"`
	To          []string `json:"to" env:"EMAIL_TO" envSeparator:","`
	MinSeverity string   `json:"minSeverity" env:"EMAIL_MIN_SEVERITY" envDefault:"critical"`
}

type PagerDutyConfig struct {
	Enabled     bool   `json:"enabled" env:"PAGERDUTY_ENABLED" envDefault:"false"`
	RoutingKey  string `json:"routingKey" env:"PAGERDUTY_ROUTING_KEY"`
	EventsURL   string `json:"eventsUrl" env:"PAGERDUTY_EVENTS_URL" envDefault:"https://events.pagerduty.com/v2/enqueue"`
	MinSeverity string `json:"minSeverity" env:"PAGERDUTY_MIN_SEVERITY" envDefault:"critical"`
}

type WebhookConfig struct {
	Enabled     bool              `json:"enabled" env:"WEBHOOK_ENABLED" envDefault:"false"`
	URL         string            `json:"url" env:"WEBHOOK_URL"`
	Method      string            `json:"method" env:"WEBHOOK_METHOD" envDefault:"POST"`
	Headers     map[string]string `json:"headers" env:"WEBHOOK_HEADERS"`
	MinSeverity string            `json:"minSeverity" env:"WEBHOOK_MIN_SEVERITY" envDefault:"info"`
}

type RolloutConfig struct {
	Feature    string           `json:"feature" env:"ROLLOUT_FEATURE" envDefault:"voice_agent"`
	StagesFile string           `json:"stagesFile" env:"ROLLOUT_STAGES_FILE"`
	Controller ControllerConfig `json:"controller"`
	// MetricsSource selects where health metrics come from: registry | prometheus
	MetricsSource string           `json:"metricsSource" env:"ROLLOUT_METRICS_SOURCE" envDefault:"registry"`
	Prometheus    PrometheusConfig `json:"prometheus"`
}

type PrometheusConfig struct {
	URL          string `json:"url" env:"PROMETHEUS_URL" envDefault:"http://localhost:9090"`
	Selector     string `json:"selector" env:"PROMETHEUS_SELECTOR"`
	QueryTimeout string `json:"queryTimeout" env:"PROMETHEUS_QUERY_TIMEOUT" envDefault:"10s"`
}

type ControllerConfig struct {
	Enabled                bool     `json:"enabled" env:"ROLLOUT_CONTROLLER_ENABLED" envDefault:"true"`
	CheckInterval          string   `json:"checkInterval" env:"ROLLOUT_CHECK_INTERVAL" envDefault:"60s"`
	MetricsWindow          string   `json:"metricsWindow" env:"ROLLOUT_METRICS_WINDOW" envDefault:"5m"`
	MaxConsecutiveWarnings int      `json:"maxConsecutiveWarnings" env:"ROLLOUT_MAX_CONSECUTIVE_WARNINGS" envDefault:"3"`
	WarningEscalation      string   `json:"warningEscalation" env:"ROLLOUT_WARNING_ESCALATION" envDefault:"15m"`
	AutoRollbackOnCritical bool     `json:"autoRollbackOnCritical" env:"ROLLOUT_AUTO_ROLLBACK" envDefault:"true"`
	SuppressionWindow      string   `json:"suppressionWindow" env:"ROLLOUT_SUPPRESSION_WINDOW" envDefault:"30m"`
	DefaultChannels        []string `json:"defaultChannels" env:"ROLLOUT_DEFAULT_CHANNELS" envDefault:"slack" envSeparator:","`
	EscalationChannel      string   `json:"escalationChannel" env:"ROLLOUT_ESCALATION_CHANNEL" envDefault:"pagerduty"`
}

// Load reads env vars, then overlays the JSON file passed with -f, then fills defaults.
func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg, err := LoadFrom(*configFile)
	if err != nil {
		log.Error().Err(err).Str("file", *configFile).Msg("load config failed")
		return nil, err
	}
	return cfg, nil
}

// LoadFrom is Load without flag parsing; an empty path skips the file overlay.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// fill reasonable defaults when fields are blanked by the file
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Server.MetricsBindAddr == "" {
		cfg.Server.MetricsBindAddr = "0.0.0.0:9100"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	eng := &cfg.Alerting.Engine
	if eng.EvaluationInterval == "" {
		eng.EvaluationInterval = "30s"
	}
	if eng.DeduplicationWindow == "" {
		eng.DeduplicationWindow = "5m"
	}
	if eng.RepeatInterval == "" {
		eng.RepeatInterval = "15m"
	}
	if eng.MaxActiveAlerts <= 0 {
		eng.MaxActiveAlerts = 100
	}
	if eng.SweepInterval == "" {
		eng.SweepInterval = "5m"
	}

	n := &cfg.Alerting.Notification
	if n.RateLimitPerMinute <= 0 {
		n.RateLimitPerMinute = 10
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = 3
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 256
	}
	if len(n.DefaultChannels) == 0 {
		n.DefaultChannels = []string{"slack"}
	}
	if n.Environment == "" {
		n.Environment = "production"
	}
	if n.Service == "" {
		n.Service = "voice-agent"
	}
	if n.Webhook.Method == "" {
		n.Webhook.Method = "POST"
	}

	r := &cfg.Rollout
	if r.Feature == "" {
		r.Feature = "voice_agent"
	}
	if r.Controller.MaxConsecutiveWarnings <= 0 {
		r.Controller.MaxConsecutiveWarnings = 3
	}
	if len(r.Controller.DefaultChannels) == 0 {
		r.Controller.DefaultChannels = []string{"slack"}
	}
	if r.MetricsSource == "" {
		r.MetricsSource = "registry"
	}
	if r.Prometheus.URL == "" {
		r.Prometheus.URL = "http://localhost:9090"
	}
	if r.Controller.EscalationChannel == "" {
		r.Controller.EscalationChannel = "pagerduty"
	}
}

// ParseDuration parses s, falling back to d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	log.Warn().Str("value", s).Dur("fallback", d).Msg("invalid duration in config, using default")
	return d
}
