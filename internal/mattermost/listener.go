package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/mmrelay/mmrelay/internal/event"
	"github.com/mmrelay/mmrelay/internal/logging"
)

// Handler turns one inbound direct message into a reply. An empty reply
// means nothing is posted.
type Handler func(ctx context.Context, userID, channelID, text string) (string, error)

// Listener consumes the Mattermost websocket event stream, filters direct
// messages addressed to the bot, and hands them to the handler. Replies go
// out through the event bus so the read loop never blocks on REST calls.
type Listener struct {
	client  *Client
	token   string
	bus     *event.Bus
	handler Handler

	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
	// HelloTimeout bounds the authentication handshake.
	HelloTimeout time.Duration
}

// NewListener builds a listener around the REST client and handler.
func NewListener(client *Client, token string, bus *event.Bus, handler Handler) *Listener {
	return &Listener{
		client:         client,
		token:          token,
		bus:            bus,
		handler:        handler,
		ReconnectDelay: 5 * time.Second,
		HelloTimeout:   10 * time.Second,
	}
}

// wsEvent is the envelope of one websocket frame from Mattermost.
type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Seq   int64           `json:"seq"`
}

type postedData struct {
	Post        string `json:"post"`
	ChannelType string `json:"channel_type"`
}

type authChallenge struct {
	Seq    int               `json:"seq"`
	Action string            `json:"action"`
	Data   map[string]string `json:"data"`
}

// Run connects and consumes events until ctx is canceled. Every failure
// leads to a fixed-delay reconnect; connection loss is never fatal.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn().Err(err).Dur("retry_in", l.ReconnectDelay).Msg("event stream dropped")
			l.bus.Publish(event.Event{
				Type: event.IngestDisconnected,
				Data: event.IngestDisconnectedData{Reason: err.Error()},
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.ReconnectDelay):
		}
	}
}

// runOnce performs one dial/authenticate/consume cycle.
func (l *Listener) runOnce(ctx context.Context) error {
	me, err := l.client.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve own user: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, l.client.WebsocketURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(1 << 20)

	if err := l.authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	logging.Info().Msg("event stream live")
	l.bus.Publish(event.Event{Type: event.IngestConnected})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Warn().Err(err).Msg("unparsable event frame")
			continue
		}
		if ev.Event != "posted" {
			continue
		}

		l.handlePosted(ctx, me.ID, ev.Data)
	}
}

// authenticate sends the challenge and waits for the hello event.
func (l *Listener) authenticate(ctx context.Context, conn *websocket.Conn) error {
	challenge, err := json.Marshal(authChallenge{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]string{"token": l.token},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, challenge); err != nil {
		return err
	}

	helloCtx, cancel := context.WithTimeout(ctx, l.HelloTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(helloCtx)
		if err != nil {
			return fmt.Errorf("waiting for hello: %w", err)
		}
		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Event == "hello" {
			return nil
		}
	}
}

// handlePosted filters one posted event and dispatches it on its own
// goroutine so a slow model exchange cannot stall the read loop.
func (l *Listener) handlePosted(ctx context.Context, ownID string, data json.RawMessage) {
	var payload postedData
	if err := json.Unmarshal(data, &payload); err != nil {
		logging.Warn().Err(err).Msg("unparsable posted payload")
		return
	}

	// The post itself arrives JSON-encoded inside the event payload.
	var post Post
	if err := json.Unmarshal([]byte(payload.Post), &post); err != nil {
		logging.Warn().Err(err).Msg("unparsable post")
		return
	}

	if post.UserID == "" || post.UserID == ownID || post.Message == "" {
		return
	}
	if !l.isDirect(ctx, payload.ChannelType, post.ChannelID) {
		return
	}

	go l.dispatch(ctx, post)
}

// isDirect checks the channel type, falling back to a REST lookup when the
// event payload omits it.
func (l *Listener) isDirect(ctx context.Context, channelType, channelID string) bool {
	if channelType != "" {
		return channelType == "D"
	}
	channel, err := l.client.GetChannel(ctx, channelID)
	if err != nil {
		logging.Warn().Err(err).Str("channel_id", channelID).Msg("channel lookup failed")
		return false
	}
	return channel.Type == "D"
}

func (l *Listener) dispatch(ctx context.Context, post Post) {
	logging.Info().Str("user_id", post.UserID).Msg("direct message received")

	reply, err := l.handler(ctx, post.UserID, post.ChannelID, post.Message)
	if err != nil {
		logging.Error().Err(err).Str("user_id", post.UserID).Msg("handler failed")
		reply = "Something went wrong while handling the request. Please try again."
	}
	if reply == "" {
		return
	}

	l.bus.Publish(event.Event{
		Type: event.ReplyReady,
		Data: event.ReplyReadyData{UserID: post.UserID, ChannelID: post.ChannelID, Text: reply},
	})
}
