package orchestrator

import (
	"sync"

	"github.com/mmrelay/mmrelay/internal/llm"
)

// HistoryLimit caps retained turns per user (10 exchanges).
const HistoryLimit = 20

// History keeps a bounded per-user transcript of user/assistant turns. Only
// final exchanges are stored; intermediate tool traffic is not.
type History struct {
	mu      sync.Mutex
	entries map[string][]llm.Message
}

// NewHistory builds an empty history store.
func NewHistory() *History {
	return &History{entries: make(map[string][]llm.Message)}
}

// Append records one completed exchange, dropping the oldest turns beyond
// the limit.
func (h *History) Append(userID, userText, assistantText string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := append(h.entries[userID],
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
	)
	if len(turns) > HistoryLimit {
		turns = turns[len(turns)-HistoryLimit:]
	}
	h.entries[userID] = turns
}

// Get returns a copy of the user's transcript, oldest first.
func (h *History) Get(userID string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := h.entries[userID]
	out := make([]llm.Message, len(turns))
	copy(out, turns)
	return out
}

// Clear forgets the user's transcript.
func (h *History) Clear(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, userID)
}
