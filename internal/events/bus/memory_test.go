package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var mu sync.Mutex
	var received []*Event
	sub, err := b.Subscribe(SubjectSessionSpawned, func(_ context.Context, event *Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent(SubjectSessionSpawned, "pool", map[string]any{"sessionId": "s-1"})
	require.NoError(t, b.Publish(context.Background(), SubjectSessionSpawned, event))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, event.ID, received[0].ID)
	assert.Equal(t, "s-1", received[0].Data["sessionId"])
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "session.spawned", "session.spawned", true},
		{"exact mismatch", "session.spawned", "session.evicted", false},
		{"single token star", "session.*", "session.evicted", true},
		{"star does not span tokens", "session.*", "session.a.b", false},
		{"trailing gt", "session.>", "session.a.b", true},
		{"gt matches everything", ">", "job.proxied", true},
		{"gt requires a token", "session.>", "session", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryEventBus()
			defer b.Close()

			called := false
			_, err := b.Subscribe(tt.pattern, func(_ context.Context, _ *Event) error {
				called = true
				return nil
			})
			require.NoError(t, err)

			event := NewEvent(tt.subject, "test", nil)
			require.NoError(t, b.Publish(context.Background(), tt.subject, event))
			assert.Equal(t, tt.match, called)
		})
	}
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	_, err := b.Subscribe("session.*", func(_ context.Context, _ *Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	delivered := false
	_, err = b.Subscribe("session.*", func(_ context.Context, _ *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(SubjectSessionEvicted, "pool", nil)
	require.NoError(t, b.Publish(context.Background(), SubjectSessionEvicted, event))
	assert.True(t, delivered)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	count := 0
	sub, err := b.Subscribe(SubjectSessionShutdown, func(_ context.Context, _ *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectSessionShutdown, NewEvent(SubjectSessionShutdown, "pool", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectSessionShutdown, NewEvent(SubjectSessionShutdown, "pool", nil)))
	assert.Equal(t, 1, count)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus()
	sub, err := b.Subscribe(">", func(_ context.Context, _ *Event) error { return nil })
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), SubjectSessionSpawned, NewEvent(SubjectSessionSpawned, "pool", nil))
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe(">", func(_ context.Context, _ *Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}
