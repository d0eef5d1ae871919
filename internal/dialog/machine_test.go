package dialog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmrelay/mmrelay/internal/vault"
)

type fakeValidator struct {
	ok     bool
	reason string
	err    error
	calls  []string
}

func (f *fakeValidator) Validate(_ context.Context, username, secret string) (bool, string, error) {
	f.calls = append(f.calls, username+":"+secret)
	return f.ok, f.reason, f.err
}

type fakeHistory struct {
	cleared []string
}

func (f *fakeHistory) Clear(userID string) { f.cleared = append(f.cleared, userID) }

func newTestMachine(t *testing.T, validator credentialChecker) (*Machine, *vault.Vault, *fakeHistory) {
	t.Helper()
	v, err := vault.New(filepath.Join(t.TempDir(), "vault.db"), "test-key")
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	history := &fakeHistory{}
	return NewMachine(v, validator, history, nil), v, history
}

func TestHelpCommand(t *testing.T) {
	m, _, _ := newTestMachine(t, &fakeValidator{})

	for _, token := range []string{"/help", "/start", "HELP", "  help  "} {
		out, err := m.Handle(context.Background(), "u1", token)
		require.NoError(t, err)
		assert.False(t, out.Forward)
		assert.Contains(t, out.Reply, "Commands", "token %q", token)
	}
	assert.Equal(t, PhaseNone, m.Phase("u1"), "help does not disturb the phase")
}

func TestResetClearsHistoryOnly(t *testing.T) {
	m, _, history := newTestMachine(t, &fakeValidator{})
	ctx := context.Background()

	// Enter the credential flow first.
	_, err := m.Handle(ctx, "u1", "what are my issues?")
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingUsername, m.Phase("u1"))

	out, err := m.Handle(ctx, "u1", "/clear")
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "cleared")
	assert.Equal(t, []string{"u1"}, history.cleared)
	assert.Equal(t, PhaseAwaitingUsername, m.Phase("u1"), "reset touches history, not the phase")
}

func TestCredentialCollectionScenario(t *testing.T) {
	validator := &fakeValidator{}
	m, v, _ := newTestMachine(t, validator)
	ctx := context.Background()

	// First contact: no credentials yet, prompt for username.
	out, err := m.Handle(ctx, "u1", "show my issues")
	require.NoError(t, err)
	assert.False(t, out.Forward)
	assert.Contains(t, out.Reply, "username")
	assert.Equal(t, PhaseAwaitingUsername, m.Phase("u1"))

	// Username arrives, prompt for password.
	out, err = m.Handle(ctx, "u1", "Maria")
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "password")
	assert.Equal(t, PhaseAwaitingPassword, m.Phase("u1"))

	// Wrong password: loop back to username.
	validator.ok = false
	validator.reason = "invalid username or password"
	out, err = m.Handle(ctx, "u1", "wrongpass")
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "invalid username or password")
	assert.Equal(t, PhaseAwaitingUsername, m.Phase("u1"))

	has, err := v.Has(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, has, "nothing stored after a failed check")

	// Second attempt succeeds.
	_, err = m.Handle(ctx, "u1", "Maria")
	require.NoError(t, err)
	validator.ok = true
	validator.reason = ""
	out, err = m.Handle(ctx, "u1", "rightpass")
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "saved")
	assert.Equal(t, PhaseNone, m.Phase("u1"))

	creds, ok, err := v.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Maria", creds.Username)
	assert.Equal(t, "rightpass", creds.Secret)

	// With credentials in place, ordinary messages are forwarded.
	out, err = m.Handle(ctx, "u1", "show my issues")
	require.NoError(t, err)
	assert.True(t, out.Forward)
	assert.Empty(t, out.Reply)
}

func TestValidatorUnreachableKeepsPhase(t *testing.T) {
	validator := &fakeValidator{err: errors.New("dial tcp: refused")}
	m, _, _ := newTestMachine(t, validator)
	ctx := context.Background()

	_, err := m.Handle(ctx, "u1", "hi")
	require.NoError(t, err)
	_, err = m.Handle(ctx, "u1", "Maria")
	require.NoError(t, err)

	out, err := m.Handle(ctx, "u1", "secret")
	require.NoError(t, err)
	assert.Contains(t, out.Reply, "could not reach")
	assert.Equal(t, PhaseAwaitingPassword, m.Phase("u1"), "user can resend the password")
}

func TestValidatedPairIsWhatWasTyped(t *testing.T) {
	validator := &fakeValidator{ok: true}
	m, _, _ := newTestMachine(t, validator)
	ctx := context.Background()

	_, _ = m.Handle(ctx, "u1", "anything")
	_, _ = m.Handle(ctx, "u1", "maria")
	_, err := m.Handle(ctx, "u1", "s3cret")
	require.NoError(t, err)

	require.Len(t, validator.calls, 1)
	assert.Equal(t, "maria:s3cret", validator.calls[0])
}
