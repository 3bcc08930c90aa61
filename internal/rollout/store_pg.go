package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx connection pool and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PgStore keeps rollout state of one feature in PostgreSQL.
type PgStore struct {
	pool    *pgxpool.Pool
	feature string
}

func NewPgStore(pool *pgxpool.Pool, feature string) *PgStore {
	return &PgStore{pool: pool, feature: feature}
}

// GetStatus returns a disabled status when the feature has no row yet.
func (s *PgStore) GetStatus(ctx context.Context) (Status, error) {
	st := Status{Feature: s.feature, CurrentStage: StageDisabled}
	var (
		stage     string
		startedAt *time.Time
		lastCheck []byte
	)
	const q = `
	SELECT current_stage, percentage, enabled, stage_started_at, last_health_check
	FROM rollout_status
	WHERE feature = $1`
	err := s.pool.QueryRow(ctx, q, s.feature).Scan(&stage, &st.Percentage, &st.Enabled, &startedAt, &lastCheck)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Status{}, fmt.Errorf("%w: get status: %v", ErrStoreUnavailable, err)
	default:
		st.CurrentStage = Stage(stage)
		if startedAt != nil {
			st.StageStartedAt = *startedAt
		}
		if len(lastCheck) > 0 {
			var r HealthCheckResult
			if err := json.Unmarshal(lastCheck, &r); err == nil {
				st.LastHealthCheck = &r
			}
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT tenant_id, enabled FROM tenant_overrides WHERE feature = $1`, s.feature)
	if err != nil {
		return Status{}, fmt.Errorf("%w: list tenant overrides: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()
	overrides := map[string]bool{}
	for rows.Next() {
		var (
			tenant string
			on     bool
		)
		if err := rows.Scan(&tenant, &on); err != nil {
			return Status{}, fmt.Errorf("scan tenant override: %w", err)
		}
		overrides[tenant] = on
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("iterate tenant overrides: %w", err)
	}
	st.EnabledTenants, st.DisabledTenants = splitOverrides(overrides)
	return st, nil
}

// SetPercentageAndStage upserts the rollout row. The rollout is enabled iff percentage > 0.
func (s *PgStore) SetPercentageAndStage(ctx context.Context, stage Stage, percentage int, startedAt time.Time) error {
	const q = `
	INSERT INTO rollout_status(feature, current_stage, percentage, enabled, stage_started_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, now())
	ON CONFLICT (feature) DO UPDATE SET
		current_stage = EXCLUDED.current_stage,
		percentage = EXCLUDED.percentage,
		enabled = EXCLUDED.enabled,
		stage_started_at = EXCLUDED.stage_started_at,
		updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, s.feature, string(stage), percentage, percentage > 0, startedAt); err != nil {
		return fmt.Errorf("set percentage and stage: %w", err)
	}
	return nil
}

func (s *PgStore) AppendHistoryEntry(ctx context.Context, e HistoryEntry) error {
	const q = `
	INSERT INTO rollout_history(id, feature, action, from_stage, to_stage, from_percentage, to_percentage, reason, actor, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, q, e.ID, s.feature, string(e.Action), string(e.FromStage), string(e.ToStage),
		e.FromPercentage, e.ToPercentage, e.Reason, e.Actor, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

func (s *PgStore) SetTenantOverride(ctx context.Context, tenantID string, enable bool) error {
	const q = `
	INSERT INTO tenant_overrides(feature, tenant_id, enabled, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (feature, tenant_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, s.feature, tenantID, enable); err != nil {
		return fmt.Errorf("set tenant override: %w", err)
	}
	return nil
}

func (s *PgStore) SetLastHealthCheck(ctx context.Context, r HealthCheckResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode health check: %w", err)
	}
	const q = `UPDATE rollout_status SET last_health_check = $2::jsonb, updated_at = now() WHERE feature = $1`
	if _, err := s.pool.Exec(ctx, q, s.feature, string(raw)); err != nil {
		return fmt.Errorf("set last health check: %w", err)
	}
	return nil
}

func (s *PgStore) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
	SELECT id, action, from_stage, to_stage, from_percentage, to_percentage, reason, actor, created_at
	FROM rollout_history
	WHERE feature = $1
	ORDER BY created_at DESC
	LIMIT $2`
	rows, err := s.pool.Query(ctx, q, s.feature, limit)
	if err != nil {
		return nil, fmt.Errorf("list rollout history: %w", err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		var (
			e                HistoryEntry
			action, from, to string
		)
		if err := rows.Scan(&e.ID, &action, &from, &to, &e.FromPercentage, &e.ToPercentage, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Feature = s.feature
		e.Action, e.FromStage, e.ToStage = Action(action), Stage(from), Stage(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollout history: %w", err)
	}
	return out, nil
}
