// Package mattermost contains the REST client, the realtime websocket
// listener, and the outbound poster worker pool.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// User is the subset of a Mattermost user the relay cares about.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Channel is the subset of a Mattermost channel the relay cares about.
type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Post is an inbound or outbound message.
type Post struct {
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
}

// Client talks to the Mattermost REST API with a bot token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu       sync.Mutex
	me       *User
	channels map[string]*Channel
}

// NewClient builds a REST client for the given server.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		channels:   make(map[string]*Channel),
	}
}

// Me returns the bot's own user, cached after the first call.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.me != nil {
		me := c.me
		c.mu.Unlock()
		return me, nil
	}
	c.mu.Unlock()

	var user User
	if err := c.get(ctx, "/api/v4/users/me", &user); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.me = &user
	c.mu.Unlock()
	return &user, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := c.get(ctx, "/api/v4/users/"+id, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetChannel fetches a channel by id, cached: channel types do not change.
func (c *Client) GetChannel(ctx context.Context, id string) (*Channel, error) {
	c.mu.Lock()
	if ch, ok := c.channels[id]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	var channel Channel
	if err := c.get(ctx, "/api/v4/channels/"+id, &channel); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.channels[id] = &channel
	c.mu.Unlock()
	return &channel, nil
}

// CreatePost posts a message into a channel.
func (c *Client) CreatePost(ctx context.Context, channelID, message string) error {
	body, err := json.Marshal(Post{ChannelID: channelID, Message: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v4/posts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("create post: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// WebsocketURL derives the realtime endpoint from the server base URL.
func (c *Client) WebsocketURL() string {
	url := c.baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/api/v4/websocket"
}
