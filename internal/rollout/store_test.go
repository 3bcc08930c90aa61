package rollout

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(Status{Feature: "voice_agent", CurrentStage: StageDisabled, DisabledTenants: []string{"legacy"}})

	started := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetPercentageAndStage(ctx, StageCanary, 5, started))
	require.NoError(t, s.SetTenantOverride(ctx, "acme", true))
	require.NoError(t, s.SetLastHealthCheck(ctx, HealthCheckResult{Stage: StageCanary, Healthy: true}))

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageCanary, st.CurrentStage)
	assert.Equal(t, 5, st.Percentage)
	assert.True(t, st.Enabled)
	assert.Equal(t, started, st.StageStartedAt)
	assert.Equal(t, []string{"acme"}, st.EnabledTenants)
	assert.Equal(t, []string{"legacy"}, st.DisabledTenants)
	require.NotNil(t, st.LastHealthCheck)

	// Returned status is a copy.
	st.LastHealthCheck.Healthy = false
	again, _ := s.GetStatus(ctx)
	assert.True(t, again.LastHealthCheck.Healthy)

	require.NoError(t, s.SetPercentageAndStage(ctx, StageDisabled, 0, started))
	st, _ = s.GetStatus(ctx)
	assert.False(t, st.Enabled)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendHistoryEntry(ctx, HistoryEntry{ID: string(rune('a' + i))}))
	}
	hist, err := s.ListHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].ID)
	assert.Equal(t, "b", hist[1].ID)
}

// TestPgStore runs against the database in ROLLOUT_TEST_DATABASE_URL with the
// migrations applied.
func TestPgStore(t *testing.T) {
	dsn := os.Getenv("ROLLOUT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROLLOUT_TEST_DATABASE_URL not set, skipping test")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	defer pool.Close()

	feature := "test_" + uuid.NewString()[:8]
	defer func() {
		pool.Exec(ctx, `DELETE FROM rollout_status WHERE feature = $1`, feature)
		pool.Exec(ctx, `DELETE FROM rollout_history WHERE feature = $1`, feature)
		pool.Exec(ctx, `DELETE FROM tenant_overrides WHERE feature = $1`, feature)
	}()
	s := NewPgStore(pool, feature)

	st, err := s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDisabled, st.CurrentStage)
	assert.False(t, st.Enabled)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetPercentageAndStage(ctx, StageExpansion, 50, started))
	require.NoError(t, s.SetTenantOverride(ctx, "acme", false))
	require.NoError(t, s.SetLastHealthCheck(ctx, HealthCheckResult{Stage: StageExpansion, Healthy: true}))
	require.NoError(t, s.AppendHistoryEntry(ctx, HistoryEntry{
		ID: uuid.NewString(), Action: ActionAdvance, FromStage: StageEarlyAdopters, ToStage: StageExpansion,
		FromPercentage: 25, ToPercentage: 50, Reason: "test", Actor: "ci", CreatedAt: started,
	}))

	st, err = s.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageExpansion, st.CurrentStage)
	assert.Equal(t, 50, st.Percentage)
	assert.True(t, st.Enabled)
	assert.True(t, started.Equal(st.StageStartedAt))
	assert.Equal(t, []string{"acme"}, st.DisabledTenants)
	require.NotNil(t, st.LastHealthCheck)
	assert.True(t, st.LastHealthCheck.Healthy)

	hist, err := s.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ActionAdvance, hist[0].Action)
	assert.Equal(t, feature, hist[0].Feature)
}
