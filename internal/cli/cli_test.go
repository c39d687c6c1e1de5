package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/auth"
	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/models"
)

type cliEnv struct {
	dbPath      string
	contextFile string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("PARLEY_GLOBAL_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("PARLEY_GLOBAL_CONFIG_DIR", filepath.Join(dir, "config"))
	return &cliEnv{
		dbPath:      filepath.Join(dir, "parley.db"),
		contextFile: filepath.Join(dir, "context.yaml"),
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--db", e.dbPath, "--context-file", e.contextFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected *ExitError, got %T: %v", err, err)
	return exitErr.Code
}

func TestRootCommandAliases(t *testing.T) {
	root := newRootCmd("dev")

	found, _, err := root.Find([]string{"logs"})
	require.NoError(t, err)
	require.Equal(t, "log", found.Name())

	found, _, err = root.Find([]string{"ls"})
	require.NoError(t, err)
	require.Equal(t, "threads", found.Name())

	found, _, err = root.Find([]string{"events", "prune"})
	require.NoError(t, err)
	require.Equal(t, "prune", found.Name())
}

func TestConversationFromTheCommandLine(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "--as", "buyer", "--json", "resolve", "--with", "seller", "--context", "listing-42")
	var thread models.Thread
	require.NoError(t, json.Unmarshal([]byte(out), &thread))
	require.Equal(t, "buyer", thread.ParticipantA)
	require.Equal(t, "seller", thread.ParticipantB)
	require.Equal(t, "listing-42", thread.ContextKey)

	// The resolved thread is selected for later commands.
	selection, err := config.NewContextStore(env.contextFile).Load()
	require.NoError(t, err)
	require.Equal(t, thread.ID, selection.ThreadID)

	out = env.mustRun(t, "--as", "buyer", "send", "hello there")
	require.Contains(t, out, "to seller")

	// The seller resolving the same pair lands in the same thread.
	out = env.mustRun(t, "--as", "seller", "--json", "resolve", "--with", "buyer", "--requester=false", "--context", "listing-42", "--no-select")
	var again models.Thread
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	require.Equal(t, thread.ID, again.ID)

	out = env.mustRun(t, "--as", "seller", "--json", "threads")
	var listed []struct {
		ID     string `json:"id"`
		Unread int    `json:"unread"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, 1, listed[0].Unread)

	out = env.mustRun(t, "--as", "seller", "log", thread.ID)
	require.Contains(t, out, "hello there")
	require.Contains(t, out, "buyer")

	out = env.mustRun(t, "--as", "seller", "--json", "read", thread.ID)
	var marked map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &marked))
	require.EqualValues(t, 1, marked["marked"])

	out = env.mustRun(t, "events")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var types []models.EventType
	for _, line := range lines {
		var event models.Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		types = append(types, event.Type)
	}
	require.Equal(t, []models.EventType{
		models.EventTypeThreadCreated,
		models.EventTypeMessageCreated,
		models.EventTypeUnreadInvalidated,
	}, types)

	out = env.mustRun(t, "events", "--type", "message.created", "--type", "unread.invalidated")
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestUseSelectsIdentityAndThread(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "use", "--as", "Visitor-1")
	require.Contains(t, out, "as:visitor-1")

	out = env.mustRun(t, "--json", "resolve", "--surface", "support", "--with", "desk", "--no-select")
	var thread models.Thread
	require.NoError(t, json.Unmarshal([]byte(out), &thread))
	require.Equal(t, "CS-000001", thread.CaseNumber)

	out = env.mustRun(t, "use", thread.ID)
	require.Contains(t, out, "thread:CS-000001")

	out = env.mustRun(t, "send", "my order never arrived")
	require.Contains(t, out, "to desk")

	env.mustRun(t, "use", "--clear")
	selection, err := config.NewContextStore(env.contextFile).Load()
	require.NoError(t, err)
	require.True(t, selection.IsEmpty())
}

func TestSupportTransitions(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "--as", "visitor", "--json", "resolve", "--surface", "support", "--with", "desk")
	var thread models.Thread
	require.NoError(t, json.Unmarshal([]byte(out), &thread))

	out = env.mustRun(t, "--as", "agent-7", "transition", "active", thread.ID)
	require.Contains(t, out, "active")

	out = env.mustRun(t, "--as", "agent-7", "transition", "resolved", thread.ID)
	require.Contains(t, out, "resolved")

	_, err := env.run(t, "--as", "agent-7", "send", thread.ID, "anything else?")
	require.Equal(t, ExitCodeConflict, exitCode(t, err))

	_, err = env.run(t, "--as", "agent-7", "transition", "transferred", thread.ID)
	require.Equal(t, ExitCodeConflict, exitCode(t, err))
}

func TestCommandFailures(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "--as", "buyer", "--json", "resolve", "--with", "seller")
	var thread models.Thread
	require.NoError(t, json.Unmarshal([]byte(out), &thread))

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no identity", []string{"threads"}, ExitCodeUsage},
		{"bad identity", []string{"--as", "not an id", "threads"}, ExitCodeUsage},
		{"outsider sends", []string{"--as", "mallory", "send", thread.ID, "hi"}, ExitCodeFailure},
		{"empty message", []string{"--as", "buyer", "send", thread.ID, "   "}, ExitCodeFailure},
		{"unknown thread", []string{"--as", "buyer", "log", "missing"}, ExitCodeFailure},
		{"market transition", []string{"--as", "seller", "transition", "resolved", thread.ID}, ExitCodeConflict},
		{"resolve self", []string{"--as", "buyer", "resolve", "--with", "buyer"}, ExitCodeFailure},
		{"token without secret", []string{"token", "buyer"}, ExitCodeUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			require.Error(t, err)
			require.Equal(t, tt.code, exitCode(t, err))
		})
	}
}

func TestTokenCommand(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("PARLEY_AUTH_JWT_SECRET", "cli-secret")

	out := env.mustRun(t, "token", "Buyer")
	token := strings.TrimSpace(out)

	claims, err := auth.NewAuthenticator("cli-secret", "parley", 0).ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "buyer", claims.ParticipantID())
	require.False(t, claims.HasRole(auth.RoleAgent))

	out = env.mustRun(t, "token", "agent-7", "--agent")
	claims, err = auth.NewAuthenticator("cli-secret", "parley", 0).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.True(t, claims.HasRole(auth.RoleAgent))
}

func TestExitFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{models.ErrOutcomeUnknown, ExitCodeUnavailable},
		{models.ErrStoreUnavailable, ExitCodeUnavailable},
		{models.ErrThreadResolved, ExitCodeConflict},
		{models.ErrInvalidTransition, ExitCodeConflict},
		{models.ErrInvalidMessage, ExitCodeFailure},
		{Exitf(ExitCodeUsage, "usage"), ExitCodeUsage},
	}
	for _, tt := range tests {
		require.Equal(t, tt.code, exitCode(t, exitFor(tt.err)), tt.err.Error())
	}
	require.NoError(t, exitFor(nil))
}
