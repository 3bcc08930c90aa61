package notify

import (
	"context"
	"sync"

	"github.com/qiniu/rolloutguard/internal/alerting/model"
	"github.com/qiniu/rolloutguard/internal/observability"
	"github.com/rs/zerolog/log"
)

// AlertSender is the part of Dispatcher the queue worker needs.
type AlertSender interface {
	SendAlertNotification(ctx context.Context, alert model.Alert, channels []ChannelKind) []DeliveryStatus
}

type job struct {
	alert    model.Alert
	channels []ChannelKind
}

// Queue decouples alert evaluation from delivery: producers hand off without
// blocking and a single worker drains the buffer into the sender.
type Queue struct {
	sender AlertSender
	ch     chan job
	obs    *observability.Metrics

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(sender AlertSender, size int, obs *observability.Metrics) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{sender: sender, ch: make(chan job, size), obs: obs}
}

// Notify has the shape of the rule engine's notification callback.
func (q *Queue) Notify(alert model.Alert, channels []string) {
	q.Enqueue(alert, ParseChannels(channels))
}

// Enqueue reports false when the buffer is full and the alert was dropped.
func (q *Queue) Enqueue(alert model.Alert, channels []ChannelKind) bool {
	select {
	case q.ch <- job{alert: alert, channels: channels}:
		q.obs.SetQueueDepth(len(q.ch))
		return true
	default:
		q.obs.QueueDropped()
		log.Warn().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Str("status", string(alert.Status)).
			Int("capacity", cap(q.ch)).Msg("notification queue full, dropping alert")
		return false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// Start launches the worker. Calling Start twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
}

// Stop halts the worker after the delivery in progress. Buffered jobs stay queued.
func (q *Queue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil
	if n := len(q.ch); n > 0 {
		log.Warn().Int("pending", n).Msg("notification queue stopped with pending alerts")
	}
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.ch:
			q.obs.SetQueueDepth(len(q.ch))
			// in-flight deliveries outlive Stop
			q.process(context.WithoutCancel(ctx), j)
		}
	}
}

func (q *Queue) process(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("alert_id", j.alert.ID).Msg("notification worker panicked")
		}
	}()
	q.sender.SendAlertNotification(ctx, j.alert, j.channels)
}
