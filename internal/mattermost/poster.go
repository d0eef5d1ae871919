package mattermost

import (
	"context"

	"github.com/mmrelay/mmrelay/internal/event"
	"github.com/mmrelay/mmrelay/internal/logging"
)

const (
	// posterWorkers bounds concurrent outbound REST calls.
	posterWorkers = 4
	posterBuffer  = 64
)

// Poster drains reply.ready events from the bus and posts them through the
// REST client with a bounded worker pool.
type Poster struct {
	client *Client
	bus    *event.Bus
}

// NewPoster builds a poster for the given client and bus.
func NewPoster(client *Client, bus *event.Bus) *Poster {
	return &Poster{client: client, bus: bus}
}

// Run subscribes and posts replies until ctx is canceled.
func (p *Poster) Run(ctx context.Context) {
	queue := make(chan event.ReplyReadyData, posterBuffer)

	unsubscribe := p.bus.Subscribe(event.ReplyReady, func(e event.Event) {
		data, ok := e.Data.(event.ReplyReadyData)
		if !ok {
			return
		}
		select {
		case queue <- data:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	for i := 0; i < posterWorkers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case reply := <-queue:
					p.post(ctx, reply)
				}
			}
		}()
	}

	for i := 0; i < posterWorkers; i++ {
		<-done
	}
}

func (p *Poster) post(ctx context.Context, reply event.ReplyReadyData) {
	if err := p.client.CreatePost(ctx, reply.ChannelID, reply.Text); err != nil {
		logging.Error().Err(err).
			Str("channel_id", reply.ChannelID).
			Msg("posting reply failed")
		return
	}
	logging.Debug().Str("channel_id", reply.ChannelID).Msg("reply posted")
}
