package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/qiniu/rolloutguard/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// BreakerOpenMetric mirrors per-channel circuit breaker state into the metrics registry.
const BreakerOpenMetric = "voice_agent_notification_circuit_breaker_open"

// GaugeSetter is the write side of the metrics registry used for breaker state.
type GaugeSetter interface {
	SetGauge(name string, value float64, labels metrics.Labels) error
}

// Dispatcher formats and delivers alerts to the configured channels. It enforces
// per-channel minimum severity and rate limits, suppresses repeated sends of the
// same alert state and retries failed deliveries with exponential backoff.
type Dispatcher struct {
	cfg     Config
	now     func() time.Time
	sleepFn func(time.Duration)
	obs     *observability.Metrics
	gauges  GaugeSetter
	shared  DedupMarker
	senders map[ChannelKind]Sender

	mu       sync.Mutex
	enabled  bool
	channels map[ChannelKind]ChannelConfig
	breakers map[ChannelKind]*gobreaker.CircuitBreaker
	sent     map[string]time.Time
	rate     *slidingWindow
	history  []NotificationRecord
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithSleep overrides the backoff sleeper; tests pass a no-op.
func WithSleep(fn func(time.Duration)) Option { return func(d *Dispatcher) { d.sleepFn = fn } }

func WithMetrics(m *observability.Metrics) Option { return func(d *Dispatcher) { d.obs = m } }

func WithGauges(g GaugeSetter) Option { return func(d *Dispatcher) { d.gauges = g } }

// WithDedupMarker adds a shared dedup record consulted after the local one.
func WithDedupMarker(m DedupMarker) Option { return func(d *Dispatcher) { d.shared = m } }

// WithSender replaces the sender used for one channel kind.
func WithSender(kind ChannelKind, s Sender) Option {
	return func(d *Dispatcher) { d.senders[kind] = s }
}

func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = def.RateLimitPerMinute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if len(cfg.DefaultChannels) == 0 {
		cfg.DefaultChannels = def.DefaultChannels
	}
	d := &Dispatcher{
		cfg:     cfg,
		now:     time.Now,
		sleepFn: time.Sleep,
	}
	d.senders = defaultSenders(cfg, func() time.Time { return d.now() })
	for _, o := range opts {
		o(d)
	}
	d.channels = make(map[ChannelKind]ChannelConfig)
	d.resetState()
	return d
}

func (d *Dispatcher) resetState() {
	d.enabled = d.cfg.Enabled
	d.breakers = make(map[ChannelKind]*gobreaker.CircuitBreaker)
	d.sent = make(map[string]time.Time)
	d.rate = newSlidingWindow()
	d.history = nil
}

// SetChannelConfig installs cfg as the only config of its kind.
func (d *Dispatcher) SetChannelConfig(cfg ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.channels[cfg.Kind] = cfg
	d.mu.Unlock()
	log.Info().Str("channel", string(cfg.Kind)).Bool("enabled", cfg.Enabled).
		Str("min_severity", string(cfg.MinSeverity)).Msg("notification channel configured")
	return nil
}

// GetChannelConfigs returns configured channels with credentials masked.
func (d *Dispatcher) GetChannelConfigs() []ChannelConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ChannelConfig, 0, len(d.channels))
	for _, k := range AllChannels {
		if c, ok := d.channels[k]; ok {
			out = append(out, c.redacted())
		}
	}
	return out
}

func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	log.Info().Bool("enabled", enabled).Msg("notification dispatcher toggled")
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func notificationKey(a model.Alert) string {
	return a.RuleID + ":" + string(a.Status) + ":" + model.LabelKey(a.Labels)
}

type delivery struct {
	kind   ChannelKind
	cfg    ChannelConfig
	status *DeliveryStatus // set when decided without sending
}

// SendAlertNotification delivers alert to channels, or to the default channels when
// none are given. Unconfigured, disabled and below-severity channels are skipped
// without a status. Delivery failures are returned, never raised.
func (d *Dispatcher) SendAlertNotification(ctx context.Context, alert model.Alert, channels []ChannelKind) []DeliveryStatus {
	key := notificationKey(alert)

	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return nil
	}
	now := d.now()
	if last, ok := d.sent[key]; ok && now.Sub(last) < d.cfg.DeduplicationWindow {
		d.mu.Unlock()
		log.Debug().Str("alert_id", alert.ID).Str("key", key).Msg("notification suppressed by dedup window")
		return nil
	}
	// held while sending; released below unless some channel delivers
	d.sent[key] = now
	d.mu.Unlock()

	marked := false
	if d.shared != nil && d.cfg.DeduplicationWindow > 0 {
		fresh, err := d.shared.Mark(ctx, key, d.cfg.DeduplicationWindow)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("shared dedup unavailable, sending anyway")
		} else if !fresh {
			log.Debug().Str("alert_id", alert.ID).Str("key", key).Msg("notification already sent by another instance")
			return nil
		}
		marked = err == nil
	}

	if len(channels) == 0 {
		channels = d.cfg.DefaultChannels
	}
	plan := d.plan(alert, channels, false)
	statuses := d.dispatch(ctx, alert, plan)
	if !delivered(statuses) {
		d.releaseKey(ctx, key, now, marked)
	}
	return statuses
}

func delivered(statuses []DeliveryStatus) bool {
	for _, st := range statuses {
		if st.Success {
			return true
		}
	}
	return false
}

// releaseKey drops the dedup record taken at reservedAt so the next attempt is not suppressed.
func (d *Dispatcher) releaseKey(ctx context.Context, key string, reservedAt time.Time, marked bool) {
	d.mu.Lock()
	if t, ok := d.sent[key]; ok && t.Equal(reservedAt) {
		delete(d.sent, key)
	}
	d.mu.Unlock()
	if marked {
		if err := d.shared.Unmark(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("release shared dedup key failed")
		}
	}
}

// plan resolves channels into deliveries. The rate check and the first attempt's
// timestamp are taken together under the lock.
func (d *Dispatcher) plan(alert model.Alert, channels []ChannelKind, force bool) []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	seen := make(map[ChannelKind]bool, len(channels))
	var out []delivery
	for _, k := range channels {
		if seen[k] {
			continue
		}
		seen[k] = true
		cfg, ok := d.channels[k]
		if !ok || !cfg.Enabled {
			log.Debug().Str("channel", string(k)).Str("alert_id", alert.ID).Msg("channel not configured, skipping")
			continue
		}
		if !force && !alert.Severity.AtLeast(cfg.MinSeverity) {
			continue
		}
		if d.rate.count(k, now) >= d.cfg.RateLimitPerMinute {
			log.Warn().Str("channel", string(k)).Str("alert_id", alert.ID).
				Int("limit", d.cfg.RateLimitPerMinute).Msg("notification rate limit exceeded")
			out = append(out, delivery{kind: k, status: &DeliveryStatus{
				Channel: k, Success: false, Attempts: 0, Error: rateLimitExceeded, Timestamp: now,
			}})
			continue
		}
		d.rate.record(k, now)
		out = append(out, delivery{kind: k, cfg: cfg})
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, alert model.Alert, plan []delivery) []DeliveryStatus {
	if len(plan) == 0 {
		return nil
	}
	statuses := make([]DeliveryStatus, len(plan))
	var g errgroup.Group
	for i, p := range plan {
		if p.status != nil {
			statuses[i] = *p.status
			continue
		}
		i, p := i, p
		g.Go(func() error {
			statuses[i] = d.deliver(ctx, alert, p.kind, p.cfg)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range statuses {
		d.obs.NotificationDelivered(string(st.Channel), st.Success)
	}
	d.record(NotificationRecord{
		ID:             uuid.NewString(),
		AlertID:        alert.ID,
		RuleID:         alert.RuleID,
		Status:         alert.Status,
		DeliveryStatus: statuses,
		CreatedAt:      d.now(),
	})
	return statuses
}

// deliver runs the attempt loop for one channel. The first attempt was already
// counted against the rate limit by plan; each retry is checked against it again.
func (d *Dispatcher) deliver(ctx context.Context, alert model.Alert, kind ChannelKind, cfg ChannelConfig) DeliveryStatus {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			d.mu.Lock()
			now := d.now()
			limited := d.rate.count(kind, now) >= d.cfg.RateLimitPerMinute
			if !limited {
				d.rate.record(kind, now)
			}
			d.mu.Unlock()
			if limited {
				log.Warn().Str("channel", string(kind)).Str("alert_id", alert.ID).Int("attempts", attempts).
					Msg("notification retries stopped by rate limit")
				return DeliveryStatus{Channel: kind, Success: false, Attempts: attempts, Error: rateLimitExceeded, Timestamp: now}
			}
		}
		attempts = attempt
		lastErr = d.attempt(ctx, alert, kind, cfg)
		if lastErr == nil {
			log.Info().Str("channel", string(kind)).Str("alert_id", alert.ID).Int("attempts", attempts).
				Str("status", string(alert.Status)).Msg("notification delivered")
			return DeliveryStatus{Channel: kind, Success: true, Attempts: attempts, Timestamp: d.now()}
		}
		log.Warn().Err(lastErr).Str("channel", string(kind)).Str("alert_id", alert.ID).
			Int("attempt", attempt).Msg("notification attempt failed")
		if ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.MaxRetries {
			d.sleepFn(d.backoff(attempt))
		}
	}
	log.Error().Err(lastErr).Str("channel", string(kind)).Str("alert_id", alert.ID).
		Int("attempts", attempts).Msg("notification delivery failed")
	return DeliveryStatus{Channel: kind, Success: false, Attempts: attempts, Error: lastErr.Error(), Timestamp: d.now()}
}

// backoff is base * 2^(attempt-1).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	return d.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
}

func (d *Dispatcher) attempt(ctx context.Context, alert model.Alert, kind ChannelKind, cfg ChannelConfig) (err error) {
	sender := d.senders[kind]
	if sender == nil {
		return fmt.Errorf("%w: no sender for %s", ErrUnknownChannel, kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	_, err = d.breaker(kind).Execute(func() (interface{}, error) {
		return nil, sender.Send(ctx, alert, cfg)
	})
	return err
}

func (d *Dispatcher) breaker(kind ChannelKind) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[kind]; ok {
		return cb
	}
	failures := d.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(kind),
		Timeout: d.cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("channel", name).Str("from", from.String()).Str("to", to.String()).
				Msg("notification circuit breaker state changed")
			d.setBreakerGauge(name, to == gobreaker.StateOpen)
		},
	})
	d.breakers[kind] = cb
	d.setBreakerGauge(string(kind), false)
	return cb
}

func (d *Dispatcher) setBreakerGauge(channel string, open bool) {
	if d.gauges == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	if err := d.gauges.SetGauge(BreakerOpenMetric, v, metrics.Labels{"channel": channel}); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("update breaker gauge failed")
	}
}

func (d *Dispatcher) record(r NotificationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, r)
	if over := len(d.history) - d.cfg.HistoryLimit; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
}

// TestChannel sends a synthetic info alert to one channel, bypassing dedup and
// minimum severity. The rate limit still applies.
func (d *Dispatcher) TestChannel(ctx context.Context, kind ChannelKind) (DeliveryStatus, error) {
	if !kind.Valid() {
		return DeliveryStatus{}, fmt.Errorf("%w: %q", ErrUnknownChannel, kind)
	}
	d.mu.Lock()
	cfg, ok := d.channels[kind]
	d.mu.Unlock()
	if !ok || !cfg.Enabled {
		return DeliveryStatus{}, fmt.Errorf("%w: %s", ErrChannelNotConfigured, kind)
	}
	now := d.now()
	alert := model.Alert{
		ID:          uuid.NewString(),
		RuleID:      "channel_test",
		Name:        "Test notification",
		Description: fmt.Sprintf("Test message for the %s channel of %s", kind, d.cfg.Service),
		Severity:    model.SeverityInfo,
		Status:      model.StatusFiring,
		FiredAt:     now,
		Labels:      map[string]string{"test": "true"},
	}
	statuses := d.dispatch(ctx, alert, d.plan(alert, []ChannelKind{kind}, true))
	if len(statuses) == 0 {
		return DeliveryStatus{}, fmt.Errorf("%w: %s", ErrChannelNotConfigured, kind)
	}
	return statuses[0], nil
}

// GetHistory returns up to limit records, newest first. limit <= 0 returns all.
func (d *Dispatcher) GetHistory(limit int) []NotificationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]NotificationRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		r := d.history[i]
		r.DeliveryStatus = append([]DeliveryStatus(nil), r.DeliveryStatus...)
		out = append(out, r)
	}
	return out
}

// Sweep drops dedup keys older than the dedup window and rate-limit hits older
// than a minute. It returns the number of entries removed.
func (d *Dispatcher) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for k, t := range d.sent {
		if now.Sub(t) >= d.cfg.DeduplicationWindow {
			delete(d.sent, k)
			removed++
		}
	}
	removed += d.rate.sweep(now)
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept notification state")
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.now())
		}
	}
}

// Reset clears dedup, rate-limit, breaker and history state. Channel configs are kept.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetState()
}
