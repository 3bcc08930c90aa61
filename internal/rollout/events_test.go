package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTT struct {
	mqtt.Client
	token *fakeToken
	sent  []published
}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return c.token
}

func TestMQTTEventSink(t *testing.T) {
	client := &fakeMQTT{token: newFakeToken(nil, true)}
	sink := NewMQTTEventSink(client, "rolloutguard/events")
	ts := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

	err := sink.Emit(context.Background(), Event{
		Type:      EventRollback,
		Feature:   "voice_agent",
		Stage:     StageDisabled,
		Severity:  "critical",
		Message:   "rolled back",
		Data:      map[string]any{"fromPercentage": 50},
		Timestamp: ts,
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, "rolloutguard/events/rollback", client.sent[0].topic)
	assert.Equal(t, byte(1), client.sent[0].qos)

	var got map[string]any
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &got))
	assert.Equal(t, "rollback", got["type"])
	assert.Equal(t, "voice_agent", got["feature"])
	assert.Equal(t, "disabled", got["stage"])
	assert.Equal(t, float64(50), got["data"].(map[string]any)["fromPercentage"])
}

func TestMQTTEventSink_Errors(t *testing.T) {
	t.Run("publish error", func(t *testing.T) {
		client := &fakeMQTT{token: newFakeToken(errors.New("not connected"), true)}
		err := NewMQTTEventSink(client, "p").Emit(context.Background(), Event{Type: EventAdvance})
		assert.ErrorContains(t, err, "not connected")
	})

	t.Run("timeout", func(t *testing.T) {
		client := &fakeMQTT{token: newFakeToken(nil, false)}
		sink := NewMQTTEventSink(client, "p")
		sink.timeout = 10 * time.Millisecond
		err := sink.Emit(context.Background(), Event{Type: EventAdvance})
		assert.ErrorContains(t, err, "timed out")
	})

	t.Run("context canceled", func(t *testing.T) {
		client := &fakeMQTT{token: newFakeToken(nil, false)}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewMQTTEventSink(client, "p").Emit(ctx, Event{Type: EventAdvance})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type errSink struct{ err error }

func (s errSink) Emit(context.Context, Event) error { return s.err }

func TestMultiEventSink(t *testing.T) {
	rec := &eventRecorder{}
	boom := errors.New("boom")
	sink := MultiEventSink{LogEventSink{}, errSink{boom}, rec}

	err := sink.Emit(context.Background(), Event{Type: EventHealthCheck, Severity: "warning"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.ofType(EventHealthCheck), 1, "a failing sink does not stop the rest")

	assert.NoError(t, MultiEventSink{LogEventSink{}, rec}.Emit(context.Background(), Event{Type: EventAdvance}))
}
