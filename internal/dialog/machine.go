// Package dialog implements the per-user conversation state machine that
// gates access behind credential collection.
package dialog

import (
	"context"
	"strings"
	"sync"

	"github.com/mmrelay/mmrelay/internal/event"
	"github.com/mmrelay/mmrelay/internal/logging"
	"github.com/mmrelay/mmrelay/internal/vault"
)

// Phase is a user's position in the credential collection flow.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAwaitingUsername
	PhaseAwaitingPassword
)

// Outcome is the result of handling one inbound message. Either Reply is a
// direct answer, or Forward is true and the message belongs to the
// orchestrator.
type Outcome struct {
	Reply   string
	Forward bool
}

var (
	helpTokens  = map[string]bool{"/start": true, "/help": true, "help": true}
	resetTokens = map[string]bool{"/clear": true, "/reset": true, "reset": true}
)

const helpText = `Hi! I answer questions about Jira and Confluence.

**Getting started**

1. Provide your service credentials (the Jira login, also used for Confluence)
2. Then just ask questions in plain language

**Commands**
- ` + "`/help`" + ` - show this message
- ` + "`/clear`" + ` - forget the conversation so far

**Example questions**
- "Show my open Jira issues"
- "Find the PROJ project docs in Confluence"

Your password is stored encrypted and only used to run your own requests.`

// historyStore is the slice of the orchestrator the machine needs for the
// reset command.
type historyStore interface {
	Clear(userID string)
}

// credentialChecker validates a username/secret pair against the live
// services.
type credentialChecker interface {
	Validate(ctx context.Context, username, secret string) (bool, string, error)
}

// Machine routes messages according to each user's dialog phase.
type Machine struct {
	vault     *vault.Vault
	validator credentialChecker
	history   historyStore
	bus       *event.Bus

	mu      sync.Mutex
	phases  map[string]Phase
	pending map[string]string
}

// NewMachine builds the state machine. bus may be nil in tests.
func NewMachine(v *vault.Vault, validator credentialChecker, history historyStore, bus *event.Bus) *Machine {
	return &Machine{
		vault:     v,
		validator: validator,
		history:   history,
		bus:       bus,
		phases:    make(map[string]Phase),
		pending:   make(map[string]string),
	}
}

// Phase returns the user's current phase.
func (m *Machine) Phase(userID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[userID]
}

// Handle processes one inbound message and returns either a direct reply or
// a forward decision. Commands are recognized in every phase.
func (m *Machine) Handle(ctx context.Context, userID, message string) (Outcome, error) {
	message = strings.TrimSpace(message)
	lowered := strings.ToLower(message)

	if helpTokens[lowered] {
		return Outcome{Reply: helpText}, nil
	}
	if resetTokens[lowered] {
		m.history.Clear(userID)
		return Outcome{Reply: "Conversation history cleared. Starting fresh!"}, nil
	}

	switch m.Phase(userID) {
	case PhaseAwaitingUsername:
		return m.takeUsername(userID, message), nil
	case PhaseAwaitingPassword:
		return m.takePassword(ctx, userID, message)
	}

	has, err := m.vault.Has(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !has {
		m.setPhase(userID, PhaseAwaitingUsername)
		return Outcome{Reply: "Before we start I need your credentials.\n\n" +
			"Please send your Jira username (it is also used for Confluence):"}, nil
	}

	return Outcome{Forward: true}, nil
}

func (m *Machine) takeUsername(userID, username string) Outcome {
	m.mu.Lock()
	m.pending[userID] = username
	m.phases[userID] = PhaseAwaitingPassword
	m.mu.Unlock()

	return Outcome{Reply: "Now send your password (used for both Jira and Confluence):"}
}

func (m *Machine) takePassword(ctx context.Context, userID, password string) (Outcome, error) {
	m.mu.Lock()
	username := m.pending[userID]
	m.mu.Unlock()

	ok, reason, err := m.validator.Validate(ctx, username, password)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("credential check unreachable")
		return Outcome{Reply: "I could not reach Jira to check the credentials. " +
			"Please send the password again in a moment."}, nil
	}

	if !ok {
		m.setPhase(userID, PhaseAwaitingUsername)
		return Outcome{Reply: "Setting up credentials failed: " + reason + "\n\n" +
			"Let's try again. Please send your Jira username:"}, nil
	}

	if err := m.vault.Put(ctx, userID, username, password); err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	delete(m.pending, userID)
	m.phases[userID] = PhaseNone
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: event.CredentialsSaved,
			Data: event.CredentialsSavedData{UserID: userID},
		})
	}

	return Outcome{Reply: "Credentials saved. " +
		"You can now ask me anything about Jira and Confluence."}, nil
}

func (m *Machine) setPhase(userID string, p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == PhaseNone {
		delete(m.phases, userID)
		return
	}
	m.phases[userID] = p
}
