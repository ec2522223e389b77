package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "questlog", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"complete"}, {"status"}, {"put"}, {"delete"}, {"get"}, {"sync"}, {"pull"},
		{"daemon"}, {"history"}, {"replay"}, {"rules"}, {"rules", "validate"}, {"rules", "show"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "user", "offline"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	cases := map[string][]string{
		"complete": {"tag", "category"},
		"put":      {"data", "file"},
		"pull":     {"discard-pending"},
		"daemon":   {"metrics-addr"},
		"history":  {"days", "action", "tag"},
		"replay":   {"at"},
	}
	for name, flags := range cases {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		for _, flag := range flags {
			assert.NotNil(t, sub.Flags().Lookup(flag), "%s --%s", name, flag)
		}
	}
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("--format", "invalid", "status")
	exitErr := requireExit(t, err, ExitCommandError, CodeInvalidInput)
	assert.Contains(t, exitErr.Error(), "invalid format")
}

func TestMissingConfigFile(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", "/nonexistent/questlog.yaml", "status"})

	err := cmd.Execute()
	exitErr := requireExit(t, err, ExitCommandError, CodeInvalidInput)
	assert.Contains(t, exitErr.Error(), "failed to load configuration")
}

func TestExecute_Success(t *testing.T) {
	env := newCLIEnv(t)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	code := Execute(context.Background(), []string{"--config", env.config, "status"}, out, errOut)
	assert.Equal(t, ExitSuccess, code, errOut.String())
	assert.Contains(t, out.String(), "Rank:")
}

func TestExecute_JSONErrorEnvelope(t *testing.T) {
	env := newCLIEnv(t)
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	code := Execute(context.Background(), []string{"--config", env.config, "--format", "json", "complete", "dance"}, out, errOut)
	assert.Equal(t, ExitCommandError, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidInput, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "invalid action")
}

func TestExecute_UnknownCommand(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}

	code := Execute(context.Background(), []string{"fly"}, out, errOut)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut.String(), "unknown command")
}
