package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventHealthCheck      EventType = "health_check"
	EventCriticalIssue    EventType = "critical_issue"
	EventRollback         EventType = "rollback"
	EventAdvance          EventType = "advance"
	EventAutoAdvanceReady EventType = "auto_advance_ready"
	EventTenantOverride   EventType = "tenant_override"
)

// Event is a control-plane notice about the rollout.
type Event struct {
	Type      EventType      `json:"type"`
	Feature   string         `json:"feature"`
	Stage     Stage          `json:"stage"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

// LogEventSink writes events to the structured log.
type LogEventSink struct{}

func (LogEventSink) Emit(_ context.Context, e Event) error {
	ev := log.Info()
	switch e.Severity {
	case "critical":
		ev = log.Error()
	case "warning":
		ev = log.Warn()
	}
	ev.Str("event", string(e.Type)).
		Str("feature", e.Feature).
		Str("stage", string(e.Stage)).
		Interface("data", e.Data).
		Msg(e.Message)
	return nil
}

// MultiEventSink fans an event out to every sink and joins their errors.
type MultiEventSink []EventSink

func (m MultiEventSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ConnectMQTT dials the broker with automatic reconnects.
func ConnectMQTT(o MQTTOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", o.Broker, token.Error())
	} else if !client.IsConnected() {
		return nil, fmt.Errorf("connect mqtt broker %s: timed out", o.Broker)
	}
	return client, nil
}

// MQTTEventSink publishes each event as JSON on <prefix>/<event type> with QoS 1.
type MQTTEventSink struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
}

func NewMQTTEventSink(client mqtt.Client, topicPrefix string) *MQTTEventSink {
	return &MQTTEventSink{client: client, prefix: topicPrefix, timeout: 5 * time.Second}
}

func (s *MQTTEventSink) Emit(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", s.prefix, e.Type)
	token := s.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
