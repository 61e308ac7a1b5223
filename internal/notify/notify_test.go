package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

type message struct {
	key, contentType string
	body             []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, key, ct string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{key, ct, append([]byte(nil), body...)})
	return nil
}

func (f *fakePublisher) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.key)
	}
	return out
}

func TestForwardEventsFiltersAndEncodes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ForwardEvents(ctx, bus, pub, []string{"task.failed"}, logx.Nop()) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "task.completed", Data: map[string]string{"kind": "ping"}})
		bus.Publish(eventbus.Event{Type: "task.failed", Data: map[string]string{"kind": "ping"}})
		return len(pub.keys()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	for _, k := range pub.keys() {
		assert.Equal(t, "task.failed", k)
	}
	pub.mu.Lock()
	m := pub.msgs[0]
	pub.mu.Unlock()
	assert.Equal(t, "application/json", m.contentType)

	var got struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(m.body, &got))
	assert.Equal(t, "task.failed", got.Type)
	assert.Equal(t, "ping", got.Data["kind"])
}

func TestForwardEventsSurvivesPublishErrors(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	pub := &fakePublisher{err: errors.New("broker down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ForwardEvents(ctx, bus, pub, nil, logx.Nop()) }()

	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.Event{Type: "task.started"})
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestAlertSink(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	s := AlertSink{Pub: pub}
	require.NoError(t, s.Alert(context.Background(), "error", []byte(`{"msg":"store down"}`)))
	require.NoError(t, s.Alert(context.Background(), "warn", []byte("plain line")))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "log.error", pub.msgs[0].key)
	assert.Equal(t, "application/json", pub.msgs[0].contentType)
	assert.Equal(t, "log.warn", pub.msgs[1].key)
	assert.Equal(t, "text/plain", pub.msgs[1].contentType)

	assert.Error(t, AlertSink{}.Alert(context.Background(), "error", nil))
}

func TestDialValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Dial(Config{Exchange: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = Dial(Config{URL: "amqp://localhost"}, logx.Nop())
	assert.Error(t, err)
}
