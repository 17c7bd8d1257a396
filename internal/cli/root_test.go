package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliRun is the outcome of one Execute call.
type cliRun struct {
	code   int
	stdout string
	stderr string
}

// execute runs the CLI in-process.
func execute(t *testing.T, ctx context.Context, args ...string) cliRun {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(ctx, args, &stdout, &stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// executeJSON runs the CLI with --format json, requires success and decodes
// the response data into out.
func executeJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	res := execute(t, context.Background(), append(args, "--format", "json")...)
	require.Equal(t, ExitSuccess, res.code, "stdout: %s\nstderr: %s", res.stdout, res.stderr)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp), res.stdout)
	require.Equal(t, "ok", resp.Status)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}

// isolate clears environment overrides and returns a fresh database path.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{
		"TILLSYNC_DB_PATH", "TILLSYNC_REMOTE_BASE_URL", "TILLSYNC_REMOTE_TOKEN", "TILLSYNC_LOG_FILE",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("TILLSYNC_REMOTE_NOTIFY", "false")
	return filepath.Join(t.TempDir(), "pos.db")
}

func TestRootCommand_Structure(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "tillsync", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"migrate", "status", "drain", "pull", "run", "retry", "discard", "prune"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"verbose", "format", "config", "db"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestExecute_InvalidFormat(t *testing.T) {
	db := isolate(t)
	res := execute(t, context.Background(), "status", "--db", db, "--format", "yaml")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, `invalid format "yaml"`)
}

func TestExecute_BadFlagsAndArgs(t *testing.T) {
	db := isolate(t)

	res := execute(t, context.Background(), "status", "--db", db, "--no-such-flag")
	assert.Equal(t, ExitCommandError, res.code)

	res = execute(t, context.Background(), "status", "extra", "--db", db)
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "invalid arguments")
}

func TestExecute_ErrorAsJSON(t *testing.T) {
	db := isolate(t)
	res := execute(t, context.Background(), "drain", "--db", db, "--format", "json")
	assert.Equal(t, ExitCommandError, res.code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp), res.stdout)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "remote.base_url is not configured")
}

func TestExecute_MissingConfigFile(t *testing.T) {
	db := isolate(t)
	res := execute(t, context.Background(), "status", "--db", db, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "failed to load config")
}
