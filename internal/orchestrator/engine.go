// Package orchestrator runs the bounded model/tool exchange loop that turns
// a user query into a posted answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mmrelay/mmrelay/internal/atlassian"
	"github.com/mmrelay/mmrelay/internal/llm"
	"github.com/mmrelay/mmrelay/internal/logging"
	"github.com/mmrelay/mmrelay/internal/mcp"
	"github.com/mmrelay/mmrelay/internal/vault"
)

const (
	// MaxRounds is the model call budget per query.
	MaxRounds = 5
	// ChatRetries is how many times a failed model call is retried.
	ChatRetries = 3

	retryInitialInterval = time.Second
	retryMaxInterval     = 15 * time.Second

	// summaryResults and summaryResultChars bound the fallback summary
	// built from raw tool output.
	summaryResults     = 3
	summaryResultChars = 1000
)

const systemPrompt = `You are an assistant for Jira and Confluence.
Use the available tools to answer the user's requests.

Today's date is %s. When the user omits the year, assume the current one.

Never invent issue keys, project names or query results. If a request is
unclear or too short, ask the user to clarify. When a tool returns data,
analyze it and give a short answer instead of describing the raw structure.

You have access to the conversation history; use it to resolve follow-up
questions.`

// credentialSource is the vault surface the engine needs.
type credentialSource interface {
	Get(ctx context.Context, userID string) (vault.Credentials, bool, error)
}

// tooling is the tool endpoint surface the engine needs.
type tooling interface {
	EnsureSession(ctx context.Context, userID string, auth mcp.Auth) error
	ListTools(ctx context.Context, userID string) []mcp.ToolInfo
	Invoke(ctx context.Context, userID, name string, args json.RawMessage) (string, error)
}

// Engine drives the model/tool loop.
type Engine struct {
	creds   credentialSource
	tools   tooling
	model   llm.Client
	history *History

	// newBackoff builds the retry policy for one model call. Tests swap in
	// a zero-wait policy.
	newBackoff func() backoff.BackOff
}

// NewEngine wires the loop's collaborators together.
func NewEngine(creds credentialSource, tools tooling, model llm.Client, history *History) *Engine {
	return &Engine{
		creds:   creds,
		tools:   tools,
		model:   model,
		history: history,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInitialInterval
			b.MaxInterval = retryMaxInterval
			return b
		},
	}
}

// Answer resolves one user query. It opens (or reuses) the user's tool
// session, feeds the model with the tool manifest and history, executes
// requested tool calls, and returns the final text. The exchange is always
// persisted to history, including fallback answers.
func (e *Engine) Answer(ctx context.Context, userID, query string) (string, error) {
	creds, ok, err := e.creds.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("no credentials stored for user")
	}

	auth := mcp.Auth{
		Username: creds.Username,
		Secret:   creds.Secret,
		Headers:  atlassian.BasicAuthHeader(creds.Username, creds.Secret),
	}
	if err := e.tools.EnsureSession(ctx, userID, auth); err != nil {
		return "", err
	}

	manifest := e.tools.ListTools(ctx, userID)
	if len(manifest) == 0 {
		return "", fmt.Errorf("tool endpoint offered no tools")
	}
	tools := make([]llm.ToolInfo, len(manifest))
	for i, t := range manifest {
		tools[i] = llm.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf(systemPrompt, time.Now().Format("2006-01-02")),
	}}
	messages = append(messages, e.history.Get(userID)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

	var gathered []string
	for round := 1; round <= MaxRounds; round++ {
		logging.Debug().Str("user_id", userID).Int("round", round).Msg("model round")

		reply, err := e.chatWithRetry(ctx, messages, tools)
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}

		if len(reply.ToolCalls) == 0 {
			final := strings.TrimSpace(reply.Text)
			if final == "" {
				final = e.summarize(gathered, "Tool results:")
			}
			if final == "" {
				final = "I could not produce an answer. Please rephrase the question."
			}
			e.history.Append(userID, query, final)
			return final, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		})

		for _, call := range reply.ToolCalls {
			result, err := e.tools.Invoke(ctx, userID, call.Name, call.Arguments)
			if err != nil {
				// The loop continues; the model sees the failure and can
				// recover or answer without the result.
				logging.Warn().Err(err).Str("tool", call.Name).Msg("tool invocation failed")
				result = fmt.Sprintf("Error: tool %s failed", call.Name)
			} else {
				gathered = append(gathered, result)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	logging.Warn().Str("user_id", userID).Int("rounds", MaxRounds).Msg("round budget exhausted")
	final := e.summarize(gathered, "Tool results (request budget reached):")
	if final == "" {
		final = "The request took too many steps to complete. Please try a narrower question."
	}
	e.history.Append(userID, query, final)
	return final, nil
}

// chatWithRetry retries transient model failures with jittered exponential
// backoff.
func (e *Engine) chatWithRetry(ctx context.Context, messages []llm.Message, tools []llm.ToolInfo) (*llm.Reply, error) {
	var reply *llm.Reply
	op := func() error {
		var err error
		reply, err = e.model.Chat(ctx, messages, tools)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(e.newBackoff(), ChatRetries), ctx))
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// summarize renders the tail of the gathered tool output when the model
// never produced a final text.
func (e *Engine) summarize(results []string, header string) string {
	if len(results) == 0 {
		return ""
	}
	if len(results) > summaryResults {
		results = results[len(results)-summaryResults:]
	}

	parts := make([]string, len(results))
	for i, r := range results {
		if len(r) > summaryResultChars {
			r = r[:summaryResultChars]
		}
		parts[i] = r
	}
	return header + "\n" + strings.Join(parts, "\n---\n")
}

// IsSessionError reports whether err came from the session handshake, so
// callers can phrase the user-facing reply accordingly.
func IsSessionError(err error) bool {
	return errors.Is(err, mcp.ErrSession)
}
