package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, n int) (Subscriber, func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	sub := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		if len(got) == n {
			close(done)
		}
	}
	wait := func() []Event {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d events", n)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
	return sub, wait
}

func TestPublishTyped(t *testing.T) {
	bus := NewEventBus()
	sub, wait := collect(t, 1)
	bus.Subscribe(EventStateTransition, sub)

	bus.PublishRiskHalt("dd", 100)
	bus.PublishTransition("FLAT", "ENTRY_PENDING", "entry_signal:BTC/USDT", "BTC/USDT", 0)

	got := wait()
	require.Len(t, got, 1)
	assert.Equal(t, EventStateTransition, got[0].Type)
	assert.Equal(t, "ENTRY_PENDING", got[0].Data["to"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	sub, wait := collect(t, 3)
	bus.SubscribeAll(sub)

	bus.PublishBotStarted("PAPER", "SIM")
	bus.PublishError("runner", errors.New("boom"))
	bus.PublishModeChanged("LIVE", "PAPER", "risk halt")

	types := map[EventType]bool{}
	for _, e := range wait() {
		types[e.Type] = true
	}
	assert.True(t, types[EventBotStarted])
	assert.True(t, types[EventError])
	assert.True(t, types[EventModeChanged])
}
