package rollout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/alerting/service/ruleset"
	"github.com/qiniu/rolloutguard/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	summary MetricsSummary
	calls   int
	block   chan struct{}
}

func (s *fakeSource) Summarize(ctx context.Context, now time.Time) MetricsSummary {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := s.summary
	out.CollectedAt = now
	return out
}

func (s *fakeSource) set(m MetricsSummary) {
	s.mu.Lock()
	s.summary = m
	s.mu.Unlock()
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type notice struct {
	alert    model.Alert
	channels []string
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []notice
}

func (r *noticeRecorder) notify(a model.Alert, channels []string) {
	r.mu.Lock()
	r.notices = append(r.notices, notice{alert: a, channels: channels})
	r.mu.Unlock()
}

func (r *noticeRecorder) withLabel(k, v string) []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notice
	for _, n := range r.notices {
		if n.alert.Labels[k] == v {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	ctl     *Controller
	store   *MemStore
	source  *fakeSource
	clock   *fakeClock
	engine  *ruleset.Engine
	events  *eventRecorder
	notices *noticeRecorder
}

func newHarness(t *testing.T, cfg Config, initial Status) *harness {
	t.Helper()
	clock := newFakeClock()
	if initial.StageStartedAt.IsZero() {
		initial.StageStartedAt = clock.Now()
	}
	initial.Feature = cfg.Feature
	h := &harness{
		store:   NewMemStore(initial),
		source:  &fakeSource{},
		clock:   clock,
		events:  &eventRecorder{},
		notices: &noticeRecorder{},
	}
	engCfg := ruleset.DefaultConfig()
	engCfg.LoadDefaultRules = false
	h.engine = ruleset.NewEngine(engCfg, metrics.NewRegistry(), ruleset.WithClock(clock.Now), ruleset.WithNotifier(h.notices.notify))
	h.ctl = NewController(cfg, h.store, h.source,
		WithClock(clock.Now),
		WithAlerter(h.engine),
		WithEventSink(h.events),
	)
	return h
}

func canaryStatus() Status {
	return Status{CurrentStage: StageCanary, Percentage: 5, Enabled: true}
}

func healthySummary() MetricsSummary {
	return MetricsSummary{Requests: 1000, Errors: 5, ErrorRate: 0.005, P95LatencyMs: 800, TotalCalls: 100, FailedCalls: 1, FailedCallRate: 0.01}
}

func TestHealthCheck_EscalatesPersistentWarning(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	ctx := context.Background()
	warn := healthySummary()
	warn.ErrorRate = 0.03
	h.source.set(warn)

	for cycle := 1; cycle <= 2; cycle++ {
		res, err := h.ctl.RunHealthCheck(ctx)
		require.NoError(t, err)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, model.SeverityWarning, res.Issues[0].Severity, "cycle %d", cycle)
		assert.True(t, res.Healthy)
		h.clock.Advance(time.Minute)
	}
	assert.Empty(t, h.engine.GetActiveAlerts())

	res, err := h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	is := res.Issues[0]
	assert.Equal(t, model.SeverityCritical, is.Severity)
	assert.True(t, is.Escalated)
	assert.False(t, is.Blocking)
	assert.False(t, res.Healthy)
	assert.False(t, res.ShouldRollback)

	st, _ := h.store.GetStatus(ctx)
	assert.Equal(t, 5, st.Percentage, "escalated warnings do not roll back")
	active := h.engine.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "error_rate", active[0].Labels["issue"])
	assert.Len(t, h.events.ofType(EventCriticalIssue), 1)
}

func TestHealthCheck_WarningStreakResetsOnCleanCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	ctx := context.Background()
	warn := healthySummary()
	warn.FailedCallRate = 0.07

	sequence := []MetricsSummary{warn, warn, healthySummary(), warn, warn}
	var last HealthCheckResult
	for _, m := range sequence {
		h.source.set(m)
		res, err := h.ctl.RunHealthCheck(ctx)
		require.NoError(t, err)
		last = res
		h.clock.Advance(time.Minute)
	}
	require.Len(t, last.Issues, 1)
	assert.Equal(t, IssueFailedCallRate, last.Issues[0].Type)
	assert.Equal(t, model.SeverityWarning, last.Issues[0].Severity)
	assert.False(t, last.Issues[0].Escalated)
}

func TestHealthCheck_EscalatesByStreakDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveWarnings = 100
	h := newHarness(t, cfg, canaryStatus())
	ctx := context.Background()
	warn := healthySummary()
	warn.P95LatencyMs = 3000
	h.source.set(warn)

	res, err := h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, res.Issues[0].Escalated)

	h.clock.Advance(15 * time.Minute)
	res, err = h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueLatencyP95, res.Issues[0].Type)
	assert.True(t, res.Issues[0].Escalated)
}

func TestHealthCheck_NoGoErrorRateRollsBack(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Status{CurrentStage: StageExpansion, Percentage: 50, Enabled: true})
	ctx := context.Background()
	bad := healthySummary()
	bad.ErrorRate = 0.08
	h.source.set(bad)

	res, err := h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, res.ShouldRollback)
	assert.False(t, res.Healthy)
	require.Len(t, res.Issues, 1)
	assert.True(t, res.Issues[0].Blocking)

	st, err := h.store.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Percentage)
	assert.Equal(t, StageDisabled, st.CurrentStage)
	assert.False(t, st.Enabled)

	hist, err := h.store.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ActionRollback, hist[0].Action)
	assert.Equal(t, StageExpansion, hist[0].FromStage)
	assert.Equal(t, StageDisabled, hist[0].ToStage)
	assert.Equal(t, 50, hist[0].FromPercentage)
	assert.Equal(t, "controller", hist[0].Actor)
	assert.Contains(t, hist[0].Reason, "error rate")

	rollbacks := h.notices.withLabel("action", "rollback")
	require.Len(t, rollbacks, 1)
	assert.Equal(t, model.SeverityCritical, rollbacks[0].alert.Severity)
	assert.Equal(t, []string{"slack", "pagerduty"}, rollbacks[0].channels)

	issues := h.notices.withLabel("issue", "error_rate")
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"slack"}, issues[0].channels)
	assert.Len(t, h.events.ofType(EventRollback), 1)

	// Suppressed for the window, then skipped because the rollout is off.
	h.clock.Advance(10 * time.Minute)
	res, err = h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "suppressed", res.Skipped)

	h.clock.Advance(21 * time.Minute)
	res, err = h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Skipped)
}

func TestHealthCheck_NoGoWithoutAutoRollback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRollbackOnCritical = false
	h := newHarness(t, cfg, canaryStatus())
	ctx := context.Background()
	bad := healthySummary()
	bad.CircuitBreakersOpen = 3
	h.source.set(bad)

	res, err := h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, res.ShouldRollback)
	st, _ := h.store.GetStatus(ctx)
	assert.Equal(t, 5, st.Percentage)
	assert.Empty(t, h.notices.withLabel("action", "rollback"))
	require.NotNil(t, st.LastHealthCheck)
	assert.True(t, st.LastHealthCheck.ShouldRollback)
}

func TestHealthCheck_ResolvesRecoveredIssueAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRollbackOnCritical = false
	h := newHarness(t, cfg, canaryStatus())
	ctx := context.Background()
	bad := healthySummary()
	bad.P95LatencyMs = 4500
	h.source.set(bad)

	_, err := h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	require.Len(t, h.engine.GetActiveAlerts(), 1)

	h.source.set(healthySummary())
	h.clock.Advance(time.Minute)
	_, err = h.ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.engine.GetActiveAlerts())
	hist := h.engine.GetAlertHistory(10)
	require.Len(t, hist, 1)
	assert.Equal(t, "latency_p95", hist[0].Labels["issue"])
}

func TestHealthCheck_SkipsDisabledRollout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), Status{CurrentStage: StageDisabled})
	res, err := h.ctl.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Skipped)
	assert.Zero(t, h.source.count())
}

func TestHealthCheck_AdvanceReadiness(t *testing.T) {
	tests := []struct {
		name        string
		stage       Stage
		percentage  int
		inStage     time.Duration
		summary     MetricsSummary
		wantAdvance bool
		wantEvent   bool
	}{
		{"auto advance stage past min duration", StageEarlyAdopters, 25, 49 * time.Hour, healthySummary(), true, true},
		{"manual stage past min duration", StageCanary, 5, 25 * time.Hour, healthySummary(), true, false},
		{"before min duration", StageExpansion, 50, time.Hour, healthySummary(), false, false},
		{"warning blocks advance", StageMajority, 75, 100 * time.Hour, MetricsSummary{ErrorRate: 0.03}, false, false},
		{"last stage", StageComplete, 100, 1000 * time.Hour, healthySummary(), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			h := newHarness(t, DefaultConfig(), Status{
				CurrentStage:   tt.stage,
				Percentage:     tt.percentage,
				Enabled:        true,
				StageStartedAt: clock.Now().Add(-tt.inStage),
			})
			h.source.set(tt.summary)
			res, err := h.ctl.RunHealthCheck(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdvance, res.CanAdvance)
			events := h.events.ofType(EventAutoAdvanceReady)
			if tt.wantEvent {
				require.Len(t, events, 1)
				assert.Equal(t, StageExpansion, events[0].Data["nextStage"])
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestAdvance(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	ctx := context.Background()

	r := h.ctl.Advance(ctx, "", "alice")
	require.True(t, r.Success, r.Error)
	st, _ := h.store.GetStatus(ctx)
	assert.Equal(t, StageEarlyAdopters, st.CurrentStage)
	assert.Equal(t, 25, st.Percentage)
	assert.Equal(t, h.clock.Now(), st.StageStartedAt)

	hist, _ := h.ctl.History(ctx, 1)
	require.Len(t, hist, 1)
	assert.Equal(t, ActionAdvance, hist[0].Action)
	assert.Equal(t, "alice", hist[0].Actor)
	assert.Len(t, h.events.ofType(EventAdvance), 1)

	last := newHarness(t, DefaultConfig(), Status{CurrentStage: StageComplete, Percentage: 100, Enabled: true})
	r = last.ctl.Advance(ctx, "", "alice")
	assert.False(t, r.Success)
	assert.Equal(t, ErrNoNextStage.Error(), r.Error)
}

func TestRollback_Manual(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	ctx := context.Background()

	r := h.ctl.Rollback(ctx, "bad deploy", "bob")
	require.True(t, r.Success, r.Error)
	hist, _ := h.ctl.History(ctx, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, "bad deploy", hist[0].Reason)
	assert.Equal(t, "manual", h.notices.withLabel("action", "rollback")[0].alert.Annotations["trigger"])

	r = h.ctl.Rollback(ctx, "again", "bob")
	assert.False(t, r.Success)
	assert.Equal(t, ErrAlreadyDisabled.Error(), r.Error)
}

func TestSetTenantOverride(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	ctx := context.Background()

	require.True(t, h.ctl.SetTenantOverride(ctx, "tenant-b", true, "ops").Success)
	require.True(t, h.ctl.SetTenantOverride(ctx, "tenant-a", true, "ops").Success)
	require.True(t, h.ctl.SetTenantOverride(ctx, "tenant-c", false, "ops").Success)
	assert.False(t, h.ctl.SetTenantOverride(ctx, "", true, "ops").Success)

	st, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, st.EnabledTenants)
	assert.Equal(t, []string{"tenant-c"}, st.DisabledTenants)
	assert.Equal(t, 5, st.Percentage)

	hist, _ := h.ctl.History(ctx, 0)
	require.Len(t, hist, 3)
	assert.Equal(t, ActionTenantOverride, hist[0].Action)
	assert.Contains(t, hist[0].Reason, "tenant-c")
	assert.Len(t, h.events.ofType(EventTenantOverride), 3)
}

type failingStore struct{ *MemStore }

func (failingStore) GetStatus(context.Context) (Status, error) {
	return Status{}, errors.New("connection refused")
}

func TestHealthCheck_StoreUnavailable(t *testing.T) {
	ctl := NewController(DefaultConfig(), failingStore{NewMemStore(Status{})}, &fakeSource{})
	_, err := ctl.RunHealthCheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	r := ctl.Rollback(context.Background(), "x", "y")
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "connection refused")
}

// ctxStore fails writes once the caller's context is done, like a database driver.
type ctxStore struct{ *MemStore }

func (s ctxStore) SetPercentageAndStage(ctx context.Context, stage Stage, percentage int, startedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemStore.SetPercentageAndStage(ctx, stage, percentage, startedAt)
}

func (s ctxStore) AppendHistoryEntry(ctx context.Context, e HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemStore.AppendHistoryEntry(ctx, e)
}

// cancelingSource cancels the caller's context while metrics are being read.
type cancelingSource struct {
	m      MetricsSummary
	cancel context.CancelFunc
}

func (s cancelingSource) Summarize(context.Context, time.Time) MetricsSummary {
	s.cancel()
	return s.m
}

func TestRunHealthCheck_RollbackSurvivesCallerCancel(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	store := NewMemStore(Status{Feature: cfg.Feature, CurrentStage: StageExpansion, Percentage: 50, Enabled: true, StageStartedAt: clock.Now()})
	bad := healthySummary()
	bad.ErrorRate = 0.08

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctl := NewController(cfg, ctxStore{store}, cancelingSource{m: bad, cancel: cancel}, WithClock(clock.Now))

	res, err := ctl.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, res.ShouldRollback)
	require.Error(t, ctx.Err())

	st, err := store.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDisabled, st.CurrentStage)
	assert.Equal(t, 0, st.Percentage)
	hist, err := store.ListHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ActionRollback, hist[0].Action)

	res, err = ctl.RunHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "suppressed", res.Skipped)
}

func TestRunHealthCheck_SingleFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig(), canaryStatus())
	h.source.set(healthySummary())
	h.source.block = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ctl.RunHealthCheck(ctx); err == nil {
				ok.Add(1)
			}
		}()
	}
	require.Eventually(t, h.ctl.running.Load, time.Second, 5*time.Millisecond)
	// A tick while a check is in flight is skipped.
	h.ctl.tick(ctx)
	time.Sleep(20 * time.Millisecond)
	close(h.source.block)
	wg.Wait()

	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, 1, h.source.count())
}

func TestController_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, canaryStatus())
	warn := healthySummary()
	warn.ErrorRate = 0.03
	h.source.set(warn)

	h.ctl.Start(context.Background())
	h.ctl.Start(context.Background())
	require.Eventually(t, func() bool { return h.source.count() >= 1 }, time.Second, 5*time.Millisecond)
	h.ctl.Stop()
	h.ctl.Stop()

	h.ctl.mu.Lock()
	defer h.ctl.mu.Unlock()
	assert.Zero(t, h.ctl.escalation.len())
}
