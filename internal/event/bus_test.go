package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(ReplyReady, func(e Event) { got <- e })

	bus.Publish(Event{Type: ReplyReady, Data: ReplyReadyData{UserID: "u1", ChannelID: "c1", Text: "hi"}})

	select {
	case e := <-got:
		data, ok := e.Data.(ReplyReadyData)
		require.True(t, ok)
		assert.Equal(t, "c1", data.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSkipsOtherTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(IngestConnected, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: ReplyReady})
	bus.PublishSync(Event{Type: IngestConnected})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	calls := 0
	unsub := bus.Subscribe(ReplyReady, func(Event) { calls++ })
	unsub()

	bus.PublishSync(Event{Type: ReplyReady})
	assert.Zero(t, calls)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(ReplyReady, func(Event) { calls++ })

	require.NoError(t, bus.Close())
	bus.PublishSync(Event{Type: ReplyReady})
	assert.Zero(t, calls)
}
