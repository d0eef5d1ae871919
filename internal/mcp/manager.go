// Package mcp supervises the MCP tool endpoint and the per-user sessions
// opened against it, using the official MCP SDK.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mmrelay/mmrelay/internal/logging"
)

var (
	// ErrStartup means the tool endpoint never became reachable.
	ErrStartup = errors.New("mcp endpoint failed to start")
	// ErrSession means a per-user session handshake failed.
	ErrSession = errors.New("mcp session handshake failed")
)

const (
	startupProbes  = 10
	probeInterval  = 500 * time.Millisecond
	connectTimeout = 15 * time.Second
	shutdownGrace  = 5 * time.Second
	clientName     = "mmrelay"
	clientVersion  = "0.1.0"
)

// ToolInfo describes one tool exposed by the endpoint.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Auth carries the per-user material forwarded with a session. Headers ride
// on HTTP transports; Username/Secret become process environment for stdio
// transports.
type Auth struct {
	Username string
	Secret   string
	Headers  map[string]string
}

// Config selects the endpoint transport. Exactly one of Command or URL must
// be set; when both are set the command is spawned once and sessions attach
// over HTTP at URL.
type Config struct {
	Command []string
	Env     map[string]string
	URL     string
}

// Manager owns the endpoint process and the per-user session table.
type Manager struct {
	cfg    Config
	client *sdkmcp.Client

	mu       sync.Mutex
	sessions map[string]*sdkmcp.ClientSession
	started  bool

	proc     *exec.Cmd
	procDone chan error

	// dial is swapped out in tests to connect over in-memory transports.
	dial func(ctx context.Context, auth Auth) (*sdkmcp.ClientSession, error)
}

// NewManager builds a manager for the configured endpoint.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg: cfg,
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		}, nil),
		sessions: make(map[string]*sdkmcp.ClientSession),
	}
	m.dial = m.connect
	return m
}

// Start brings the endpoint up exactly once and verifies it is reachable.
// The probe budget is fixed; exhausting it returns an error wrapping
// ErrStartup and the relay must not continue.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	if m.cfg.URL != "" && len(m.cfg.Command) > 0 {
		if err := m.spawn(); err != nil {
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
	}

	var lastErr error
	for i := 0; i < startupProbes; i++ {
		if err := m.probe(ctx); err == nil {
			m.started = true
			logging.Info().Int("probes", i+1).Msg("mcp endpoint is up")
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStartup, ctx.Err())
		case <-time.After(probeInterval):
		}
	}

	m.stopProcess()
	return fmt.Errorf("%w: %v", ErrStartup, lastErr)
}

func (m *Manager) spawn() error {
	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range m.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", m.cfg.Command[0], err)
	}

	m.proc = cmd
	m.procDone = make(chan error, 1)
	go func() { m.procDone <- cmd.Wait() }()

	logging.Info().Str("command", strings.Join(m.cfg.Command, " ")).Int("pid", cmd.Process.Pid).Msg("mcp process spawned")
	return nil
}

// probe checks endpoint liveness. Over HTTP any response counts; the server
// may reject a bare GET but a TCP-level answer means it is listening. For
// stdio a short-lived unauthenticated session is opened and closed.
func (m *Manager) probe(ctx context.Context) error {
	if m.cfg.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	session, err := m.dial(probeCtx, Auth{})
	if err != nil {
		return err
	}
	return session.Close()
}

// EnsureSession opens the user's session if one is not already live. The
// handshake is all-or-nothing: on any failure nothing is cached and the
// returned error wraps ErrSession.
func (m *Manager) EnsureSession(ctx context.Context, userID string, auth Auth) error {
	m.mu.Lock()
	_, ok := m.sessions[userID]
	m.mu.Unlock()
	if ok {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := m.dial(connectCtx, auth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}

	m.mu.Lock()
	if _, ok := m.sessions[userID]; ok {
		// Lost the race with a concurrent message from the same user.
		m.mu.Unlock()
		session.Close()
		return nil
	}
	m.sessions[userID] = session
	m.mu.Unlock()

	logging.Info().Str("user_id", userID).Msg("mcp session opened")
	return nil
}

// connect performs the real transport handshake.
func (m *Manager) connect(ctx context.Context, auth Auth) (*sdkmcp.ClientSession, error) {
	if m.cfg.URL != "" {
		transport := &sdkmcp.StreamableClientTransport{
			Endpoint:   m.cfg.URL,
			HTTPClient: httpClientWithHeaders(auth.Headers),
		}
		return m.client.Connect(ctx, transport, nil)
	}

	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range m.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "TRANSPORT=stdio")
	if auth.Username != "" {
		cmd.Env = append(cmd.Env,
			"JIRA_USERNAME="+auth.Username,
			"JIRA_API_TOKEN="+auth.Secret,
			"CONFLUENCE_USERNAME="+auth.Username,
			"CONFLUENCE_API_TOKEN="+auth.Secret,
		)
	}

	return m.client.Connect(ctx, &sdkmcp.CommandTransport{Command: cmd}, nil)
}

// ListTools returns the tools visible to the user's session, or an empty
// slice on any error.
func (m *Manager) ListTools(ctx context.Context, userID string) []ToolInfo {
	session := m.session(userID)
	if session == nil {
		logging.Warn().Str("user_id", userID).Msg("list tools without a session")
		return nil
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("list tools failed")
		return nil
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools
}

// Invoke forwards one tool call over the user's session and returns the
// concatenated text content. Tool-reported errors come back as errors; there
// is no retry here.
func (m *Manager) Invoke(ctx context.Context, userID, name string, args json.RawMessage) (string, error) {
	session := m.session(userID)
	if session == nil {
		return "", fmt.Errorf("%w: no session for user", ErrSession)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("parse arguments for %s: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}

	var out strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, out.String())
	}
	return out.String(), nil
}

// CloseSession tears down one user's session if it exists.
func (m *Manager) CloseSession(userID string) {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		if err := session.Close(); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("session close failed")
		}
	}
}

// SessionCount reports how many user sessions are live.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session best-effort, then terminates the spawned
// process with a grace period before killing it.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*sdkmcp.ClientSession)
	m.started = false
	m.mu.Unlock()

	for userID, session := range sessions {
		if err := session.Close(); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("session close failed")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopProcess()
}

func (m *Manager) stopProcess() {
	if m.proc == nil || m.proc.Process == nil {
		return
	}

	if err := m.proc.Process.Signal(syscall.SIGTERM); err != nil {
		logging.Warn().Err(err).Msg("signal mcp process failed")
	}

	select {
	case <-m.procDone:
		logging.Info().Msg("mcp process exited")
	case <-time.After(shutdownGrace):
		logging.Warn().Msg("mcp process ignored SIGTERM, killing")
		_ = m.proc.Process.Kill()
		<-m.procDone
	}
	m.proc = nil
}

func (m *Manager) session(userID string) *sdkmcp.ClientSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// httpClientWithHeaders returns a client that stamps the given headers on
// every request. Each user session gets its own client so auth material is
// never shared between users.
func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return &http.Client{}
	}
	return &http.Client{
		Transport: &headerRoundTripper{headers: headers, next: http.DefaultTransport},
	}
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}
