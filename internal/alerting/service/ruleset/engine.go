package ruleset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/observability"
	"github.com/rs/zerolog/log"
)

// Engine owns alert rules, evaluates them against a MetricSource on a timer and
// manages the firing -> acknowledged -> resolved lifecycle of the alerts they raise.
// At most one active alert exists per rule id and label set.
type Engine struct {
	cfg    Config
	source MetricSource
	store  Store
	obs    *observability.Metrics
	now    func() time.Time

	mu       sync.Mutex
	notify   NotifyFunc
	rules    map[string]*model.AlertRule
	order    []string
	alerts   map[string]*model.Alert // active alerts by id
	byKey    map[string]string       // dedup key -> active alert id
	channels map[string][]string     // active alert id -> channels
	states   map[string]*alertState
	history  []model.Alert // resolved, oldest first

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Engine)

func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.obs = m } }

func WithNotifier(fn NotifyFunc) Option { return func(e *Engine) { e.notify = fn } }

func NewEngine(cfg Config, source MetricSource, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = def.EvaluationInterval
	}
	if cfg.MaxActiveAlerts <= 0 {
		cfg.MaxActiveAlerts = def.MaxActiveAlerts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	e := &Engine{
		cfg:    cfg,
		source: source,
		store:  NewMemStore(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.resetState()
	return e
}

// SetNotifier replaces the notification callback.
func (e *Engine) SetNotifier(fn NotifyFunc) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

func (e *Engine) resetState() {
	e.rules = make(map[string]*model.AlertRule)
	e.order = nil
	e.alerts = make(map[string]*model.Alert)
	e.byKey = make(map[string]string)
	e.channels = make(map[string][]string)
	e.states = make(map[string]*alertState)
	e.history = nil
	if e.cfg.LoadDefaultRules {
		for _, r := range DefaultRules() {
			r := r
			e.rules[r.ID] = &r
			e.order = append(e.order, r.ID)
		}
	}
}

// Load replaces the in-memory rules with the persisted ones. When the store is empty the
// current rules (the defaults, if enabled) are persisted instead.
func (e *Engine) Load(ctx context.Context) error {
	stored, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	history, err := e.store.ListAlertHistory(ctx, e.cfg.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("load alert history failed")
	}

	e.mu.Lock()
	var seed []model.AlertRule
	if len(stored) == 0 {
		for _, id := range e.order {
			seed = append(seed, e.rules[id].Clone())
		}
	} else {
		e.rules = make(map[string]*model.AlertRule, len(stored))
		e.order = e.order[:0]
		for _, r := range stored {
			r := r
			e.rules[r.ID] = &r
			e.order = append(e.order, r.ID)
		}
	}
	// store returns newest first
	e.history = e.history[:0]
	for i := len(history) - 1; i >= 0; i-- {
		e.history = append(e.history, history[i])
	}
	e.mu.Unlock()

	for _, r := range seed {
		if err := e.store.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	log.Info().Int("stored", len(stored)).Int("seeded", len(seed)).Int("history", len(history)).Msg("alert rules loaded")
	return nil
}

// Start launches the evaluation and sweep loops. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	log.Info().Dur("interval", e.cfg.EvaluationInterval).Msg("alert rule engine started")
}

// Stop halts the loops and waits for an in-flight tick. Stop is idempotent.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	log.Info().Msg("alert rule engine stopped")
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	eval := time.NewTicker(e.cfg.EvaluationInterval)
	defer eval.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-eval.C:
			e.tick(ctx)
		case <-sweep.C:
			e.Sweep(e.now())
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("alert evaluation tick panicked")
		}
	}()
	e.Evaluate(ctx)
}

type pendingNotice struct {
	alert    model.Alert
	channels []string
}

// Evaluate runs one pass over every enabled rule in insertion order.
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	now := e.now()
	var notices []pendingNotice
	for _, id := range e.order {
		rule := e.rules[id]
		if rule == nil || !rule.Enabled {
			continue
		}
		notices = e.evaluateRule(rule, now, notices)
	}
	active := len(e.alerts)
	notify := e.notify
	e.mu.Unlock()

	e.obs.SetActiveAlerts(active)
	e.flush(ctx, notify, notices)
}

func (e *Engine) evaluateRule(rule *model.AlertRule, now time.Time, notices []pendingNotice) (out []pendingNotice) {
	out = notices
	defer func() {
		if r := recover(); r != nil {
			e.obs.RuleEvaluated("error")
			log.Error().Str("rule_id", rule.ID).Interface("panic", r).Msg("alert rule evaluation failed")
		}
	}()

	key := model.DedupKey(rule.ID, rule.Labels)
	value, ok := extractValue(e.source, rule.Condition, rule.Labels)
	if !ok {
		e.obs.RuleEvaluated("missing")
	} else {
		e.obs.RuleEvaluated("ok")
	}
	triggered := ok && EvaluateCondition(value, rule.Condition.Operator, rule.Condition.Threshold)

	activeID, hasActive := e.byKey[key]
	if !triggered {
		if hasActive {
			if a := e.resolveLocked(activeID, "Condition cleared", now); a != nil {
				out = append(out, pendingNotice{alert: *a, channels: rule.NotificationChannels})
			}
		}
		return out
	}

	st := e.states[key]
	if hasActive {
		if st != nil {
			st.consecutiveFirings++
		}
		e.alerts[activeID].Value = value
		return out
	}
	if st != nil {
		if now.Sub(st.lastFiredAt) < e.cfg.DeduplicationWindow {
			return out
		}
		if st.lastResolvedAt != nil && now.Sub(*st.lastResolvedAt) < e.cfg.RepeatInterval {
			return out
		}
	}
	if len(e.alerts) >= e.cfg.MaxActiveAlerts {
		log.Warn().Str("rule_id", rule.ID).Int("max_active_alerts", e.cfg.MaxActiveAlerts).
			Msg("active alert capacity reached, dropping new alert")
		return out
	}

	alert := &model.Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Name:        rule.Name,
		Description: rule.Description,
		Severity:    rule.Severity,
		Status:      model.StatusFiring,
		FiredAt:     now,
		Value:       value,
		Threshold:   rule.Condition.Threshold,
		Labels:      model.CloneLabels(rule.Labels),
		Annotations: model.CloneLabels(rule.Annotations),
	}
	e.insertLocked(key, alert, rule.NotificationChannels)
	if st == nil {
		st = &alertState{}
		e.states[key] = st
	}
	st.lastFiredAt = now
	st.consecutiveFirings = 1
	st.acknowledgedAt = nil
	st.acknowledgedBy = ""

	e.obs.AlertFired(string(alert.Severity))
	log.Info().Str("rule_id", rule.ID).Str("alert_id", alert.ID).Float64("value", value).
		Float64("threshold", rule.Condition.Threshold).Str("severity", string(alert.Severity)).Msg("alert fired")
	return append(out, pendingNotice{alert: alert.Clone(), channels: rule.NotificationChannels})
}

func (e *Engine) insertLocked(key string, a *model.Alert, channels []string) {
	e.alerts[a.ID] = a
	e.byKey[key] = a.ID
	e.channels[a.ID] = append([]string(nil), channels...)
}

// resolveLocked moves an active alert into history. It returns nil if id is not active.
func (e *Engine) resolveLocked(id, reason string, now time.Time) *model.Alert {
	a, ok := e.alerts[id]
	if !ok {
		return nil
	}
	key := model.DedupKey(a.RuleID, a.Labels)
	resolvedAt := now
	a.Status = model.StatusResolved
	a.ResolvedAt = &resolvedAt
	if reason != "" {
		if a.Annotations == nil {
			a.Annotations = map[string]string{}
		}
		a.Annotations["resolution"] = reason
	}
	delete(e.alerts, id)
	delete(e.channels, id)
	if e.byKey[key] == id {
		delete(e.byKey, key)
	}
	if st := e.states[key]; st != nil {
		st.lastResolvedAt = &resolvedAt
		st.consecutiveFirings = 0
	}
	e.history = append(e.history, a.Clone())
	if over := len(e.history) - e.cfg.HistoryLimit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.obs.AlertResolved()
	log.Info().Str("alert_id", id).Str("rule_id", a.RuleID).Str("reason", reason).Msg("alert resolved")
	out := a.Clone()
	return &out
}

// flush archives resolved alerts and hands every notice to the notifier.
func (e *Engine) flush(ctx context.Context, notify NotifyFunc, notices []pendingNotice) {
	for _, n := range notices {
		if n.alert.Status == model.StatusResolved {
			if err := e.store.ArchiveAlert(ctx, n.alert); err != nil {
				log.Warn().Err(err).Str("alert_id", n.alert.ID).Msg("archive resolved alert failed")
			}
		}
		if notify == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("alert_id", n.alert.ID).Msg("alert notifier panicked")
				}
			}()
			notify(n.alert, n.channels)
		}()
	}
}

// AddRule validates and inserts a new rule. An empty id is generated.
func (e *Engine) AddRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	normalizeRule(&r)
	if err := validateRule(&r); err != nil {
		return model.AlertRule{}, err
	}
	e.mu.Lock()
	if _, exists := e.rules[r.ID]; exists {
		e.mu.Unlock()
		return model.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	stored := r.Clone()
	e.rules[r.ID] = &stored
	e.order = append(e.order, r.ID)
	e.mu.Unlock()

	e.persist(ctx, r)
	log.Info().Str("rule_id", r.ID).Msg("alert rule added")
	return r.Clone(), nil
}

// UpsertRule inserts r or replaces the rule with the same id in place.
func (e *Engine) UpsertRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	normalizeRule(&r)
	if err := validateRule(&r); err != nil {
		return model.AlertRule{}, err
	}
	e.mu.Lock()
	if _, exists := e.rules[r.ID]; !exists {
		e.order = append(e.order, r.ID)
	}
	stored := r.Clone()
	e.rules[r.ID] = &stored
	notices := e.resolveOwnedLocked(r.ID, "Rule updated", r.NotificationChannels, model.DedupKey(r.ID, r.Labels))
	notify := e.notify
	e.mu.Unlock()

	e.persist(ctx, r)
	e.flush(ctx, notify, notices)
	return r.Clone(), nil
}

// UpdateRule replaces every field of rule id with r, keeping its position.
func (e *Engine) UpdateRule(ctx context.Context, id string, r model.AlertRule) (model.AlertRule, error) {
	r.ID = id
	normalizeRule(&r)
	if err := validateRule(&r); err != nil {
		return model.AlertRule{}, err
	}
	e.mu.Lock()
	if _, exists := e.rules[r.ID]; !exists {
		e.mu.Unlock()
		return model.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	stored := r.Clone()
	e.rules[r.ID] = &stored
	notices := e.resolveOwnedLocked(r.ID, "Rule updated", r.NotificationChannels, model.DedupKey(r.ID, r.Labels))
	notify := e.notify
	e.mu.Unlock()

	e.persist(ctx, r)
	e.flush(ctx, notify, notices)
	log.Info().Str("rule_id", id).Int("resolved", len(notices)).Msg("alert rule updated")
	return r.Clone(), nil
}

// DeleteRule removes a rule and resolves every active alert it owns with reason "Rule deleted".
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.mu.Lock()
	rule, exists := e.rules[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	notices := e.resolveOwnedLocked(id, "Rule deleted", rule.NotificationChannels, "")
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	notify := e.notify
	e.mu.Unlock()

	if err := e.store.DeleteRule(ctx, id); err != nil {
		log.Warn().Err(err).Str("rule_id", id).Msg("delete persisted rule failed")
	}
	e.flush(ctx, notify, notices)
	log.Info().Str("rule_id", id).Int("resolved", len(notices)).Msg("alert rule deleted")
	return nil
}

// resolveOwnedLocked resolves the active alerts of ruleID, except the one held under keep.
// A relabeled rule evaluates under a new key, so alerts under the old key would never clear.
func (e *Engine) resolveOwnedLocked(ruleID, reason string, channels []string, keep string) []pendingNotice {
	var ids []string
	for id, a := range e.alerts {
		if a.RuleID == ruleID && (keep == "" || model.DedupKey(a.RuleID, a.Labels) != keep) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	now := e.now()
	var notices []pendingNotice
	for _, id := range ids {
		if a := e.resolveLocked(id, reason, now); a != nil {
			notices = append(notices, pendingNotice{alert: *a, channels: channels})
		}
	}
	return notices
}

func (e *Engine) EnableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, true)
}

// DisableRule stops evaluating a rule and resolves its active alerts.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	return e.setEnabled(ctx, id, false)
}

func (e *Engine) setEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	rule, exists := e.rules[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	var notices []pendingNotice
	if !enabled {
		notices = e.resolveOwnedLocked(id, "Rule disabled", rule.NotificationChannels, "")
	}
	snapshot := rule.Clone()
	notify := e.notify
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.flush(ctx, notify, notices)
	return nil
}

func (e *Engine) persist(ctx context.Context, r model.AlertRule) {
	if err := e.store.SaveRule(ctx, r); err != nil {
		log.Warn().Err(err).Str("rule_id", r.ID).Msg("persist alert rule failed")
	}
}

func (e *Engine) GetRule(id string) (model.AlertRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return model.AlertRule{}, false
	}
	return r.Clone(), true
}

// GetRules returns every rule in insertion order.
func (e *Engine) GetRules() []model.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.AlertRule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

// GetActiveAlerts returns firing and acknowledged alerts, newest first.
func (e *Engine) GetActiveAlerts() []model.Alert {
	e.mu.Lock()
	out := make([]model.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, a.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FiredAt.After(out[j].FiredAt)
	})
	return out
}

// GetAlert finds an alert among active ones first, then history.
func (e *Engine) GetAlert(id string) (model.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.alerts[id]; ok {
		return a.Clone(), true
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].Clone(), true
		}
	}
	return model.Alert{}, false
}

// GetAlertHistory returns up to limit resolved alerts, newest first. limit <= 0 returns all.
func (e *Engine) GetAlertHistory(limit int) []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Alert, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.history[i].Clone())
	}
	return out
}

// AcknowledgeAlert is valid only for firing alerts; it returns false otherwise.
func (e *Engine) AcknowledgeAlert(id, by string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok || a.Status != model.StatusFiring {
		return false
	}
	now := e.now()
	a.Status = model.StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	if st := e.states[model.DedupKey(a.RuleID, a.Labels)]; st != nil {
		ackAt := now
		st.acknowledgedAt = &ackAt
		st.acknowledgedBy = by
	}
	log.Info().Str("alert_id", id).Str("by", by).Msg("alert acknowledged")
	return true
}

// ResolveAlert resolves a firing or acknowledged alert and notifies its channels.
func (e *Engine) ResolveAlert(ctx context.Context, id, reason string) bool {
	e.mu.Lock()
	channels := e.channels[id]
	a := e.resolveLocked(id, reason, e.now())
	notify := e.notify
	active := len(e.alerts)
	e.mu.Unlock()
	if a == nil {
		return false
	}
	e.obs.SetActiveAlerts(active)
	e.flush(ctx, notify, []pendingNotice{{alert: *a, channels: channels}})
	return true
}

// CreateManualAlert raises a firing alert with rule id "manual". If an active manual alert
// already holds the same label set it is returned unchanged.
func (e *Engine) CreateManualAlert(ctx context.Context, in ManualAlert) (model.Alert, error) {
	if in.Name == "" {
		return model.Alert{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !in.Severity.Valid() {
		return model.Alert{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, in.Severity)
	}
	labels := NormalizeLabels(in.Labels)
	key := model.DedupKey(model.ManualRuleID, labels)

	e.mu.Lock()
	if id, ok := e.byKey[key]; ok {
		existing := e.alerts[id].Clone()
		e.mu.Unlock()
		return existing, nil
	}
	now := e.now()
	alert := &model.Alert{
		ID:          uuid.NewString(),
		RuleID:      model.ManualRuleID,
		Name:        in.Name,
		Description: in.Description,
		Severity:    in.Severity,
		Status:      model.StatusFiring,
		FiredAt:     now,
		Value:       in.Value,
		Threshold:   in.Threshold,
		Labels:      labels,
		Annotations: model.CloneLabels(in.Annotations),
	}
	e.insertLocked(key, alert, in.NotificationChannels)
	st := e.states[key]
	if st == nil {
		st = &alertState{}
		e.states[key] = st
	}
	st.lastFiredAt = now
	st.consecutiveFirings = 1
	out := alert.Clone()
	notify := e.notify
	active := len(e.alerts)
	e.mu.Unlock()

	e.obs.AlertFired(string(out.Severity))
	e.obs.SetActiveAlerts(active)
	log.Info().Str("alert_id", out.ID).Str("name", out.Name).Str("severity", string(out.Severity)).Msg("manual alert created")
	e.flush(ctx, notify, []pendingNotice{{alert: out, channels: in.NotificationChannels}})
	return out, nil
}

// Sweep drops bookkeeping for keys with no active alert whose last fire and last
// resolution are older than both the dedup window and the repeat interval.
func (e *Engine) Sweep(now time.Time) int {
	horizon := e.cfg.DeduplicationWindow
	if e.cfg.RepeatInterval > horizon {
		horizon = e.cfg.RepeatInterval
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, st := range e.states {
		if _, active := e.byKey[key]; active {
			continue
		}
		if now.Sub(st.lastFiredAt) < horizon {
			continue
		}
		if st.lastResolvedAt != nil && now.Sub(*st.lastResolvedAt) < horizon {
			continue
		}
		delete(e.states, key)
		removed++
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept alert state")
	}
	return removed
}

// Reset clears alerts, state and history and restores the default rule set.
// Persisted data is left untouched.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetState()
}
