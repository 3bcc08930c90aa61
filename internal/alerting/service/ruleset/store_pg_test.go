package ruleset

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	adb "github.com/qiniu/rolloutguard/internal/alerting/database"
	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PgStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPgStore(adb.Wrap(db)), mock
}

func TestPgStore_ListRules(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "name", "description", "severity", "condition", "labels", "annotations", "enabled", "notification_channels"}).
		AddRow("p99", "Latency", "", "critical",
			[]byte(`{"metric":"voice_agent_response_latency_ms","operator":"gt","threshold":5000,"aggregation":"max"}`),
			[]byte(`{"stage":"canary"}`), []byte(`{}`), true, []byte(`{slack,pagerduty}`))
	mock.ExpectQuery(regexp.QuoteMeta("FROM alert_rules")).WillReturnRows(rows)

	rules, err := s.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, model.SeverityCritical, r.Severity)
	assert.Equal(t, model.OpGT, r.Condition.Operator)
	assert.Equal(t, model.AggMax, r.Condition.Aggregation)
	assert.Equal(t, 5000.0, r.Condition.Threshold)
	assert.Equal(t, map[string]string{"stage": "canary"}, r.Labels)
	assert.Nil(t, r.Annotations)
	assert.Equal(t, []string{"slack", "pagerduty"}, r.NotificationChannels)
	assert.True(t, r.Enabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_SaveAndDeleteRule(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	args := make([]sqlmock.Argument, 9)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alert_rules")).WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM alert_rules WHERE id = $1")).WithArgs("p99").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveRule(ctx, DefaultRules()[2]))
	require.NoError(t, s.DeleteRule(ctx, "p99"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStore_SaveRuleError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alert_rules")).WillReturnError(errors.New("conn reset"))
	err := s.SaveRule(context.Background(), DefaultRules()[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save rule")
}

func TestPgStore_AlertHistory(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	fired := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	resolved := fired.Add(10 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alert_history")).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ArchiveAlert(ctx, model.Alert{
		ID: "a1", RuleID: "p99", Name: "Latency", Severity: model.SeverityCritical,
		Status: model.StatusResolved, FiredAt: fired, ResolvedAt: &resolved,
	}))

	rows := sqlmock.NewRows([]string{"id", "rule_id", "name", "description", "severity", "status", "fired_at", "resolved_at",
		"acknowledged_at", "acknowledged_by", "value", "threshold", "labels", "annotations"}).
		AddRow("a1", "p99", "Latency", "", "critical", "resolved", fired, resolved, nil, "", 6100.0, 5000.0,
			[]byte(`{}`), []byte(`{"resolution":"Condition cleared"}`))
	mock.ExpectQuery(regexp.QuoteMeta("FROM alert_history")).WithArgs(20).WillReturnRows(rows)

	history, err := s.ListAlertHistory(ctx, 20)
	require.NoError(t, err)
	require.Len(t, history, 1)
	a := history[0]
	assert.Equal(t, model.StatusResolved, a.Status)
	require.NotNil(t, a.ResolvedAt)
	assert.True(t, resolved.Equal(*a.ResolvedAt))
	assert.Nil(t, a.AcknowledgedAt)
	assert.Equal(t, "Condition cleared", a.Annotations["resolution"])
	require.NoError(t, mock.ExpectationsWereMet())
}
