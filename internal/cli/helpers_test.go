package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/testutil"
)

const user = "user-1"

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// cliEnv is one isolated questlog installation: a config file and store in
// a temp dir, a frozen clock and an optional in-memory backend.
type cliEnv struct {
	t       *testing.T
	dir     string
	config  string
	clock   *testutil.FakeClock
	backend *remote.Memory
}

type envOption func(*envConfig)

type envConfig struct {
	user  string
	rules string
}

func withoutUser() envOption {
	return func(c *envConfig) { c.user = "" }
}

func withRules(path string) envOption {
	return func(c *envConfig) { c.rules = path }
}

func newCLIEnv(t *testing.T, opts ...envOption) *cliEnv {
	t.Helper()
	ec := envConfig{user: user}
	for _, opt := range opts {
		opt(&ec)
	}

	dir := t.TempDir()
	cfg := fmt.Sprintf("store:\n  path: %s\nlogger:\n  level: error\n", filepath.Join(dir, "data", "questlog.db"))
	if ec.user != "" {
		cfg += fmt.Sprintf("user:\n  id: %s\n", ec.user)
	}
	if ec.rules != "" {
		cfg += fmt.Sprintf("rules:\n  file: %s\n", ec.rules)
	}
	path := filepath.Join(dir, "questlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	return &cliEnv{t: t, dir: dir, config: path, clock: testutil.NewFakeClock(t0)}
}

// withBackend attaches an in-memory remote.
func (e *cliEnv) withBackend() *cliEnv {
	e.backend = remote.NewMemory()
	return e
}

func (e *cliEnv) command() (*RootOptions, *bytes.Buffer, *bytes.Buffer) {
	opts := &RootOptions{now: e.clock.Now}
	if e.backend != nil {
		opts.backend = e.backend
	}
	return opts, &bytes.Buffer{}, &bytes.Buffer{}
}

// run executes one CLI invocation and returns stdout.
func (e *cliEnv) run(args ...string) (string, error) {
	return e.runContext(context.Background(), args...)
}

func (e *cliEnv) runContext(ctx context.Context, args ...string) (string, error) {
	e.t.Helper()
	opts, out, errOut := e.command()
	cmd := newRootCommand(opts)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// mustRun fails the test when the invocation fails.
func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "questlog %v\n%s", args, out)
	return out
}

// runJSON runs with --format json and decodes the data envelope into v.
func (e *cliEnv) runJSON(v any, args ...string) {
	e.t.Helper()
	out := e.mustRun(append([]string{"--format", "json"}, args...)...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(e.t, "ok", resp.Status)
	require.NoError(e.t, json.Unmarshal(resp.Data, v))
}

// requireExit asserts err is an ExitError with the given codes.
func requireExit(t *testing.T, err error, code int, errCode string) *ExitError {
	t.Helper()
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, code, exitErr.Code, exitErr.Error())
	require.Equal(t, errCode, exitErr.ErrCode, exitErr.Error())
	return exitErr
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
