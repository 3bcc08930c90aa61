package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
	"github.com/qiniu/rolloutguard/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrAlreadyDisabled is reported when rolling back a rollout that is at 0%.
var ErrAlreadyDisabled = errors.New("rollout is already disabled")

type Config struct {
	Feature                string
	CheckInterval          time.Duration
	MetricsWindow          time.Duration
	MaxConsecutiveWarnings int
	WarningEscalation      time.Duration
	AutoRollbackOnCritical bool
	SuppressionWindow      time.Duration
	DefaultChannels        []string
	EscalationChannel      string
}

func DefaultConfig() Config {
	return Config{
		Feature:                "voice_agent",
		CheckInterval:          time.Minute,
		MetricsWindow:          5 * time.Minute,
		MaxConsecutiveWarnings: 3,
		WarningEscalation:      15 * time.Minute,
		AutoRollbackOnCritical: true,
		SuppressionWindow:      30 * time.Minute,
		DefaultChannels:        []string{"slack"},
		EscalationChannel:      "pagerduty",
	}
}

// SummarySource produces the metrics summary a health check judges.
type SummarySource interface {
	Summarize(ctx context.Context, now time.Time) MetricsSummary
}

// Alerter raises and clears alerts in the rule engine.
type Alerter interface {
	CreateManualAlert(ctx context.Context, in ruleset.ManualAlert) (model.Alert, error)
	ResolveAlert(ctx context.Context, id, reason string) bool
}

// Controller runs the periodic rollout health check and the manual rollout
// operations. Only one health check runs at a time.
type Controller struct {
	cfg         Config
	store       Store
	source      SummarySource
	stages      StageTable
	alerter     Alerter
	events      EventSink
	suppression SuppressionWindow
	obs         *observability.Metrics
	now         func() time.Time

	group   singleflight.Group
	running atomic.Bool

	mu          sync.Mutex
	escalation  *escalator
	issueAlerts map[IssueType]string // open critical issue -> alert id

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Controller)

func WithStages(t StageTable) Option { return func(c *Controller) { c.stages = t } }

func WithAlerter(a Alerter) Option { return func(c *Controller) { c.alerter = a } }

func WithEventSink(s EventSink) Option { return func(c *Controller) { c.events = s } }

func WithSuppression(s SuppressionWindow) Option { return func(c *Controller) { c.suppression = s } }

func WithMetrics(m *observability.Metrics) Option { return func(c *Controller) { c.obs = m } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

func NewController(cfg Config, store Store, source SummarySource, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Feature == "" {
		cfg.Feature = def.Feature
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = def.MetricsWindow
	}
	c := &Controller{
		cfg:         cfg,
		store:       store,
		source:      source,
		stages:      DefaultStages(),
		events:      LogEventSink{},
		now:         time.Now,
		issueAlerts: map[IssueType]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.suppression == nil {
		c.suppression = NewMemorySuppressionWindow(c.now)
	}
	c.escalation = newEscalator(cfg.MaxConsecutiveWarnings, cfg.WarningEscalation)
	return c
}

// Start launches the periodic health check. Calling Start twice is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	log.Info().Str("feature", c.cfg.Feature).Dur("interval", c.cfg.CheckInterval).Msg("rollout health controller started")
}

// Stop halts the loop, waits for an in-flight check and clears escalation state.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.mu.Lock()
	c.escalation.reset()
	c.mu.Unlock()
	log.Info().Str("feature", c.cfg.Feature).Msg("rollout health controller stopped")
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("rollout health check panicked")
		}
	}()
	if c.running.Load() {
		log.Debug().Msg("previous health check still running, skipping tick")
		return
	}
	if _, err := c.RunHealthCheck(ctx); err != nil {
		log.Error().Err(err).Str("feature", c.cfg.Feature).Msg("rollout health check failed")
	}
}

// RunHealthCheck runs one cycle now. Concurrent callers share the result of
// the cycle already in flight. The cycle ignores cancellation of ctx so that a
// rollback it starts is never left half written.
func (c *Controller) RunHealthCheck(ctx context.Context) (HealthCheckResult, error) {
	cycleCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("health", func() (interface{}, error) {
		c.running.Store(true)
		defer c.running.Store(false)
		return c.check(cycleCtx)
	})
	if err != nil {
		return HealthCheckResult{}, err
	}
	return v.(HealthCheckResult), nil
}

func (c *Controller) check(ctx context.Context) (HealthCheckResult, error) {
	start := c.now()
	now := start

	if w, err := c.suppression.Active(ctx, c.cfg.Feature); err != nil {
		log.Warn().Err(err).Msg("suppression window unavailable, running health check")
	} else if w != nil {
		log.Debug().Time("until", w.EndTime).Msg("rollout health check suppressed after rollback")
		c.obs.HealthCheck("suppressed", 0)
		return HealthCheckResult{CheckedAt: now, Skipped: "suppressed"}, nil
	}

	st, err := c.store.GetStatus(ctx)
	if err != nil {
		c.obs.HealthCheck("error", 0)
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return HealthCheckResult{}, err
	}
	if !st.Enabled || st.Percentage == 0 {
		c.obs.HealthCheck("disabled", 0)
		return HealthCheckResult{Stage: st.CurrentStage, CheckedAt: now, Skipped: "disabled"}, nil
	}
	def, ok := c.stages[st.CurrentStage]
	if !ok {
		c.obs.HealthCheck("error", 0)
		return HealthCheckResult{}, fmt.Errorf("%w: %q", ErrUnknownStage, st.CurrentStage)
	}

	summary := c.source.Summarize(ctx, now)
	issues := classify(def, summary)
	c.mu.Lock()
	issues = c.escalation.apply(st.CurrentStage, issues, now)
	c.mu.Unlock()

	res := HealthCheckResult{
		Stage:      st.CurrentStage,
		Percentage: st.Percentage,
		Healthy:    true,
		Issues:     issues,
		Metrics:    summary,
		CheckedAt:  now,
	}
	if res.Issues == nil {
		res.Issues = []Issue{}
	}
	for _, is := range issues {
		if is.Severity == model.SeverityCritical {
			res.Healthy = false
		}
		if is.Blocking {
			res.ShouldRollback = true
		}
	}
	next, hasNext := st.CurrentStage.Next()
	if hasNext {
		res.NextStage = next
	}
	res.CanAdvance = res.Healthy && len(issues) == 0 && hasNext &&
		now.Sub(st.StageStartedAt) >= def.MinDuration.Std()

	if err := c.store.SetLastHealthCheck(ctx, res); err != nil {
		log.Error().Err(err).Msg("failed to persist health check result")
	}
	c.syncIssueAlerts(ctx, st, res)

	outcome := "healthy"
	switch {
	case c.cfg.AutoRollbackOnCritical && res.ShouldRollback:
		outcome = "rollback"
		reason := "automatic rollback: " + res.criticalIssues()[0].Message
		if r := c.rollback(ctx, reason, "controller", "auto"); !r.Success {
			log.Error().Str("error", r.Error).Msg("automatic rollback failed")
		}
	case !res.Healthy:
		outcome = "unhealthy"
	case res.CanAdvance && def.AutoAdvance:
		c.emit(ctx, Event{
			Type:     EventAutoAdvanceReady,
			Stage:    st.CurrentStage,
			Severity: string(model.SeverityInfo),
			Message:  fmt.Sprintf("stage %s is ready to advance to %s", st.CurrentStage, next),
			Data:     map[string]any{"nextStage": next, "nextPercentage": c.stages[next].Percentage},
		})
	}
	c.obs.HealthCheck(outcome, c.now().Sub(start))
	log.Info().
		Str("stage", string(res.Stage)).
		Int("percentage", res.Percentage).
		Bool("healthy", res.Healthy).
		Bool("should_rollback", res.ShouldRollback).
		Bool("can_advance", res.CanAdvance).
		Int("issues", len(res.Issues)).
		Msg("rollout health check completed")
	return res, nil
}

// syncIssueAlerts raises one event and alert per critical issue and resolves
// the alerts of issues that are no longer critical.
func (c *Controller) syncIssueAlerts(ctx context.Context, st Status, res HealthCheckResult) {
	critical := map[IssueType]bool{}
	for _, is := range res.criticalIssues() {
		critical[is.Type] = true
		c.emit(ctx, Event{
			Type:     EventCriticalIssue,
			Stage:    st.CurrentStage,
			Severity: string(model.SeverityCritical),
			Message:  is.Message,
			Data:     map[string]any{"issue": is.Type, "value": is.Value, "threshold": is.Threshold, "escalated": is.Escalated},
		})
		if c.alerter == nil {
			continue
		}
		alert, err := c.alerter.CreateManualAlert(ctx, ruleset.ManualAlert{
			Name:        fmt.Sprintf("Rollout %s: %s", c.cfg.Feature, is.Type),
			Description: is.Message,
			Severity:    model.SeverityCritical,
			Value:       is.Value,
			Threshold:   is.Threshold,
			Labels: map[string]string{
				"feature": c.cfg.Feature,
				"stage":   string(st.CurrentStage),
				"issue":   string(is.Type),
			},
			NotificationChannels: c.cfg.DefaultChannels,
		})
		if err != nil {
			log.Error().Err(err).Str("issue", string(is.Type)).Msg("failed to raise rollout issue alert")
			continue
		}
		c.mu.Lock()
		c.issueAlerts[is.Type] = alert.ID
		c.mu.Unlock()
	}

	c.mu.Lock()
	var stale []string
	for typ, id := range c.issueAlerts {
		if !critical[typ] {
			stale = append(stale, id)
			delete(c.issueAlerts, typ)
		}
	}
	c.mu.Unlock()
	for _, id := range stale {
		c.alerter.ResolveAlert(ctx, id, "Rollout health recovered")
	}
}

// Rollback disables the rollout immediately.
func (c *Controller) Rollback(ctx context.Context, reason, actor string) ActionResult {
	if reason == "" {
		reason = "manual rollback"
	}
	return c.rollback(ctx, reason, actor, "manual")
}

func (c *Controller) rollback(ctx context.Context, reason, actor, trigger string) ActionResult {
	st, err := c.store.GetStatus(ctx)
	if err != nil {
		return failed(err, "failed to read rollout status")
	}
	if st.CurrentStage == StageDisabled && st.Percentage == 0 {
		return failed(ErrAlreadyDisabled, "nothing to roll back")
	}
	now := c.now()
	if err := c.store.SetPercentageAndStage(ctx, StageDisabled, 0, now); err != nil {
		return failed(err, "failed to write rollout percentage")
	}

	entry := HistoryEntry{
		ID:             uuid.NewString(),
		Feature:        c.cfg.Feature,
		Action:         ActionRollback,
		FromStage:      st.CurrentStage,
		ToStage:        StageDisabled,
		FromPercentage: st.Percentage,
		ToPercentage:   0,
		Reason:         reason,
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := c.store.AppendHistoryEntry(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to record rollback history")
	}
	if c.cfg.SuppressionWindow > 0 {
		if err := c.suppression.Start(ctx, c.cfg.Feature, reason, c.cfg.SuppressionWindow); err != nil {
			log.Error().Err(err).Msg("failed to start suppression window")
		}
	}
	c.mu.Lock()
	c.escalation.reset()
	c.mu.Unlock()

	msg := fmt.Sprintf("rolled back %s from %s (%d%%) to disabled", c.cfg.Feature, st.CurrentStage, st.Percentage)
	if c.alerter != nil {
		_, err := c.alerter.CreateManualAlert(ctx, ruleset.ManualAlert{
			Name:        fmt.Sprintf("Rollout %s rolled back", c.cfg.Feature),
			Description: fmt.Sprintf("%s: %s", msg, reason),
			Severity:    model.SeverityCritical,
			Value:       float64(st.Percentage),
			Labels: map[string]string{
				"feature":     c.cfg.Feature,
				"action":      string(ActionRollback),
				"rollback_id": entry.ID,
			},
			Annotations:          map[string]string{"actor": actor, "trigger": trigger},
			NotificationChannels: c.rollbackChannels(),
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to raise rollback alert")
		}
	}
	c.emit(ctx, Event{
		Type:     EventRollback,
		Stage:    StageDisabled,
		Severity: string(model.SeverityCritical),
		Message:  msg,
		Data:     map[string]any{"fromStage": st.CurrentStage, "fromPercentage": st.Percentage, "reason": reason, "actor": actor, "trigger": trigger},
	})
	c.obs.Rollback(trigger)
	log.Warn().Str("feature", c.cfg.Feature).Str("from", string(st.CurrentStage)).Str("actor", actor).Str("reason", reason).Msg("rollout rolled back")
	return ActionResult{Success: true, Message: msg}
}

func (c *Controller) rollbackChannels() []string {
	out := append([]string(nil), c.cfg.DefaultChannels...)
	if c.cfg.EscalationChannel == "" {
		return out
	}
	for _, ch := range out {
		if ch == c.cfg.EscalationChannel {
			return out
		}
	}
	return append(out, c.cfg.EscalationChannel)
}

// Advance moves the rollout to the next stage of the progression.
func (c *Controller) Advance(ctx context.Context, reason, actor string) ActionResult {
	st, err := c.store.GetStatus(ctx)
	if err != nil {
		return failed(err, "failed to read rollout status")
	}
	next, ok := st.CurrentStage.Next()
	if !ok {
		return failed(ErrNoNextStage, fmt.Sprintf("stage %s is the last stage", st.CurrentStage))
	}
	def, ok := c.stages[next]
	if !ok {
		return failed(fmt.Errorf("%w: %q", ErrUnknownStage, next), "stage table is incomplete")
	}
	now := c.now()
	if err := c.store.SetPercentageAndStage(ctx, next, def.Percentage, now); err != nil {
		return failed(err, "failed to write rollout percentage")
	}
	if reason == "" {
		reason = "manual advance"
	}
	entry := HistoryEntry{
		ID:             uuid.NewString(),
		Feature:        c.cfg.Feature,
		Action:         ActionAdvance,
		FromStage:      st.CurrentStage,
		ToStage:        next,
		FromPercentage: st.Percentage,
		ToPercentage:   def.Percentage,
		Reason:         reason,
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := c.store.AppendHistoryEntry(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to record advance history")
	}
	c.mu.Lock()
	c.escalation.reset()
	c.mu.Unlock()

	msg := fmt.Sprintf("advanced %s from %s (%d%%) to %s (%d%%)", c.cfg.Feature, st.CurrentStage, st.Percentage, next, def.Percentage)
	c.emit(ctx, Event{
		Type:     EventAdvance,
		Stage:    next,
		Severity: string(model.SeverityInfo),
		Message:  msg,
		Data:     map[string]any{"fromStage": st.CurrentStage, "percentage": def.Percentage, "actor": actor},
	})
	log.Info().Str("feature", c.cfg.Feature).Str("from", string(st.CurrentStage)).Str("to", string(next)).Str("actor", actor).Msg("rollout advanced")
	return ActionResult{Success: true, Message: msg}
}

// SetTenantOverride forces the feature on or off for one tenant.
func (c *Controller) SetTenantOverride(ctx context.Context, tenantID string, enable bool, actor string) ActionResult {
	if tenantID == "" {
		return failed(errors.New("tenant id is required"), "invalid tenant override")
	}
	st, err := c.store.GetStatus(ctx)
	if err != nil {
		return failed(err, "failed to read rollout status")
	}
	if err := c.store.SetTenantOverride(ctx, tenantID, enable); err != nil {
		return failed(err, "failed to write tenant override")
	}
	verb := "disabled"
	if enable {
		verb = "enabled"
	}
	msg := fmt.Sprintf("%s %s for tenant %s", verb, c.cfg.Feature, tenantID)
	entry := HistoryEntry{
		ID:             uuid.NewString(),
		Feature:        c.cfg.Feature,
		Action:         ActionTenantOverride,
		FromStage:      st.CurrentStage,
		ToStage:        st.CurrentStage,
		FromPercentage: st.Percentage,
		ToPercentage:   st.Percentage,
		Reason:         msg,
		Actor:          actor,
		CreatedAt:      c.now(),
	}
	if err := c.store.AppendHistoryEntry(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to record tenant override history")
	}
	c.emit(ctx, Event{
		Type:     EventTenantOverride,
		Stage:    st.CurrentStage,
		Severity: string(model.SeverityInfo),
		Message:  msg,
		Data:     map[string]any{"tenantId": tenantID, "enabled": enable, "actor": actor},
	})
	return ActionResult{Success: true, Message: msg}
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	return c.store.GetStatus(ctx)
}

func (c *Controller) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return c.store.ListHistory(ctx, limit)
}

func (c *Controller) Stages() StageTable {
	return c.stages
}

func (c *Controller) emit(ctx context.Context, e Event) {
	if c.events == nil {
		return
	}
	e.Feature = c.cfg.Feature
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if err := c.events.Emit(ctx, e); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to emit rollout event")
	}
}
