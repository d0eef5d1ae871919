// Package event provides the in-process pub/sub bus, backed by watermill.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies an event kind.
type Type string

const (
	// ReplyReady carries a composed reply waiting to be posted.
	ReplyReady Type = "reply.ready"
	// IngestConnected fires after the websocket handshake completes.
	IngestConnected Type = "ingest.connected"
	// IngestDisconnected fires when the websocket stream drops.
	IngestDisconnected Type = "ingest.disconnected"
	// CredentialsSaved fires after a user completes credential setup.
	CredentialsSaved Type = "credentials.saved"
)

// Event is a typed payload published on the bus.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Handler receives published events.
type Handler func(Event)

type registration struct {
	id uint64
	fn Handler
}

// Bus fans events out to registered handlers. The watermill gochannel
// underneath keeps the option of swapping in a distributed backend; typed
// dispatch stays in-process so payloads keep their Go types.
type Bus struct {
	mu       sync.RWMutex
	pubsub   *gochannel.GoChannel
	handlers map[Type][]registration
	nextID   uint64
	closed   bool
	cancel   context.CancelFunc
}

// NewBus creates a bus ready for use.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100, Persistent: false},
			watermill.NopLogger{},
		),
		handlers: make(map[Type][]registration),
		cancel:   cancel,
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.handlers[t] = append(b.handlers[t], registration{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[t]
		for i, r := range regs {
			if r.id == id {
				b.handlers[t] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event asynchronously, one goroutine per handler, so
// publishers never block on slow consumers.
func (b *Bus) Publish(e Event) {
	for _, fn := range b.snapshot(e.Type) {
		go fn(e)
	}
}

// PublishSync delivers the event in the calling goroutine.
func (b *Bus) PublishSync(e Event) {
	for _, fn := range b.snapshot(e.Type) {
		fn(e)
	}
}

func (b *Bus) snapshot(t Type) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	fns := make([]Handler, 0, len(b.handlers[t]))
	for _, r := range b.handlers[t] {
		fns = append(fns, r.fn)
	}
	return fns
}

// Close drops all handlers and shuts down the underlying pubsub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.handlers = make(map[Type][]registration)
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub exposes the watermill channel for middleware or routing setups.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
