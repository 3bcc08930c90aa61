package ruleset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	adb "github.com/qiniu/rolloutguard/internal/alerting/database"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
)

// PgStore is a PostgreSQL-backed Store using the alerting database wrapper.
type PgStore struct {
	DB *adb.Database
}

func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

func (s *PgStore) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	const q = `
	SELECT id, name, description, severity, condition, labels, annotations, enabled, notification_channels
	FROM alert_rules
	ORDER BY position`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []model.AlertRule
	for rows.Next() {
		var (
			r                             model.AlertRule
			severity                      string
			condRaw, labelsRaw, annotsRaw []byte
			channels                      []string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &severity, &condRaw, &labelsRaw, &annotsRaw,
			&r.Enabled, pq.Array(&channels)); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Severity = model.Severity(severity)
		if err := json.Unmarshal(condRaw, &r.Condition); err != nil {
			return nil, fmt.Errorf("decode condition of rule %s: %w", r.ID, err)
		}
		r.Labels = decodeLabels(labelsRaw)
		r.Annotations = decodeLabels(annotsRaw)
		r.NotificationChannels = channels
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// SaveRule upserts by id; an existing row keeps its position.
func (s *PgStore) SaveRule(ctx context.Context, r model.AlertRule) error {
	condJSON, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("encode condition: %w", err)
	}
	const q = `
	INSERT INTO alert_rules(id, name, description, severity, condition, labels, annotations, enabled, notification_channels)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		severity = EXCLUDED.severity,
		condition = EXCLUDED.condition,
		labels = EXCLUDED.labels,
		annotations = EXCLUDED.annotations,
		enabled = EXCLUDED.enabled,
		notification_channels = EXCLUDED.notification_channels,
		updated_at = now()
	`
	_, err = s.DB.ExecContext(ctx, q, r.ID, r.Name, r.Description, string(r.Severity), string(condJSON),
		encodeLabels(r.Labels), encodeLabels(r.Annotations), r.Enabled, pq.Array(r.NotificationChannels))
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) error {
	const q = `DELETE FROM alert_rules WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (s *PgStore) ArchiveAlert(ctx context.Context, a model.Alert) error {
	const q = `
	INSERT INTO alert_history(id, rule_id, name, description, severity, status, fired_at, resolved_at,
		acknowledged_at, acknowledged_by, value, threshold, labels, annotations)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb)
	ON CONFLICT (id) DO NOTHING
	`
	_, err := s.DB.ExecContext(ctx, q, a.ID, a.RuleID, a.Name, a.Description, string(a.Severity), string(a.Status),
		a.FiredAt, nullTime(a.ResolvedAt), nullTime(a.AcknowledgedAt), a.AcknowledgedBy, a.Value, a.Threshold,
		encodeLabels(a.Labels), encodeLabels(a.Annotations))
	if err != nil {
		return fmt.Errorf("archive alert: %w", err)
	}
	return nil
}

// ListAlertHistory returns archived alerts newest first.
func (s *PgStore) ListAlertHistory(ctx context.Context, limit int) ([]model.Alert, error) {
	const q = `
	SELECT id, rule_id, name, description, severity, status, fired_at, resolved_at,
		acknowledged_at, acknowledged_by, value, threshold, labels, annotations
	FROM alert_history
	ORDER BY resolved_at DESC NULLS LAST
	LIMIT $1`
	rows, err := s.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a                   model.Alert
			severity, status    string
			resolved, acked     sql.NullTime
			labelsRaw, annotRaw []byte
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Name, &a.Description, &severity, &status, &a.FiredAt,
			&resolved, &acked, &a.AcknowledgedBy, &a.Value, &a.Threshold, &labelsRaw, &annotRaw); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = model.Severity(severity)
		a.Status = model.Status(status)
		if resolved.Valid {
			t := resolved.Time
			a.ResolvedAt = &t
		}
		if acked.Valid {
			t := acked.Time
			a.AcknowledgedAt = &t
		}
		a.Labels = decodeLabels(labelsRaw)
		a.Annotations = decodeLabels(annotRaw)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert history: %w", err)
	}
	return out, nil
}

func encodeLabels(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeLabels(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
