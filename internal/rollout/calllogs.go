package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallAggregate counts calls that started inside a window.
type CallAggregate struct {
	Total  int64 `json:"total"`
	Failed int64 `json:"failed"`
}

// CallLogAggregator summarizes the external call log.
type CallLogAggregator interface {
	Aggregate(ctx context.Context, since time.Time) (CallAggregate, error)
}

// NoopCallLogAggregator reports no calls, which makes the summary fall back to
// the registry counters.
type NoopCallLogAggregator struct{}

func (NoopCallLogAggregator) Aggregate(context.Context, time.Time) (CallAggregate, error) {
	return CallAggregate{}, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgCallLogAggregator counts rows of call_logs. *pgxpool.Pool satisfies rowQuerier.
type PgCallLogAggregator struct {
	db rowQuerier
}

func NewPgCallLogAggregator(db rowQuerier) *PgCallLogAggregator {
	return &PgCallLogAggregator{db: db}
}

func (a *PgCallLogAggregator) Aggregate(ctx context.Context, since time.Time) (CallAggregate, error) {
	const q = `
	SELECT count(*), count(*) FILTER (WHERE status = 'failed')
	FROM call_logs
	WHERE started_at >= $1`
	var agg CallAggregate
	if err := a.db.QueryRow(ctx, q, since).Scan(&agg.Total, &agg.Failed); err != nil {
		return CallAggregate{}, fmt.Errorf("aggregate call logs: %w", err)
	}
	return agg, nil
}
