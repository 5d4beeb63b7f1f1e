package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/pkg/agent/resilience"
	"streamguard/pkg/config"
)

const turnJSON = `{
  "scope": "cli",
  "messages": [{"role": "user", "content": "list the repository files"}],
  "tools": [{"name": "list_files", "input_schema": {"type": "object"}}],
  "tool_choice": "required"
}`

func writeConfig(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamguard.yaml")
	doc := "provider:\n  name: mock\n  mock_script: [" + script + "]\n" +
		"retry:\n  initial_delay: 1ms\n  max_delay: 1ms\n  jitter: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRunCommand_Success(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"--config", writeConfig(t, "no_tool_calls, ok"), "--dump-metrics"}

	err := runCommand(context.Background(), args, strings.NewReader(turnJSON), &stdout, &stderr)
	require.NoError(t, err)

	var out resilience.TurnOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.NotEmpty(t, out.TurnID)
	assert.Len(t, out.Attempts, 2)
	assert.Equal(t, "auto", string(out.ToolChoice))
	require.Len(t, out.Response.ToolCalls, 1)
	assert.Equal(t, "list_files", out.Response.ToolCalls[0].Name)

	assert.Contains(t, stderr.String(), `streamguard_turns_total{outcome="success",scope="cli"} 1`)
	assert.Contains(t, stderr.String(), `streamguard_tool_choice_fallbacks_total{from="required",scope="cli",to="auto"} 1`)
}

func TestRunCommand_ScopeOverrideAndOutputFile(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.json")
	args := []string{"--config", writeConfig(t, "ok"), "--scope", "override", "--output", outPath, "--dump-metrics"}
	var stdout, stderr bytes.Buffer

	require.NoError(t, runCommand(context.Background(), args, strings.NewReader(turnJSON), &stdout, &stderr))
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), `scope="override"`)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"turn_id"`)
}

func TestRunCommand_FatalFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"--config", writeConfig(t, "auth")}

	err := runCommand(context.Background(), args, strings.NewReader(turnJSON), &stdout, &stderr)
	require.ErrorIs(t, err, resilience.ErrFatal)
	assert.Equal(t, exitFailed, exitCode(err))

	var report failureReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, "fatal", report.Kind)
	assert.Len(t, report.Attempts, 1)
}

func TestRunCommand_InputErrors(t *testing.T) {
	cfg := writeConfig(t, "ok")
	tests := map[string]string{
		"not json":       "{",
		"no messages":    `{"messages": []}`,
		"unknown fields": `{"messages": [{"role":"user","content":"hi"}], "toolz": []}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := runCommand(context.Background(), []string{"--config", cfg}, strings.NewReader(input), &stdout, &stderr)
			assert.Error(t, err)
		})
	}
}

func TestRunCommand_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := runCommand(context.Background(), []string{"--nope"}, strings.NewReader(""), &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitCircuitOpen, exitCode(&resilience.CircuitOpenError{}))
	assert.Equal(t, exitAborted, exitCode(resilience.ErrTurnAborted))
	assert.Equal(t, exitUsage, exitCode(usageError{msg: "x"}))
}

func TestSecretsCommand_SetAndList(t *testing.T) {
	t.Setenv(passwordEnv, "correct horse battery staple")
	t.Cleanup(func() { config.SetDecryptedSecrets(nil) })
	file := filepath.Join(t.TempDir(), "secrets.enc")

	var out bytes.Buffer
	require.NoError(t, secretsCommand([]string{"set", "--file", file, "--name", "ANTHROPIC_API_KEY"}, strings.NewReader("sk-test\n"), &out))
	assert.Contains(t, out.String(), "ANTHROPIC_API_KEY saved")

	out.Reset()
	require.NoError(t, secretsCommand([]string{"list", "--file", file}, strings.NewReader(""), &out))
	assert.Equal(t, "ANTHROPIC_API_KEY\n", out.String())

	secrets, err := config.DecryptSecretsFile(file, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", secrets["ANTHROPIC_API_KEY"])
}

func TestSecretsCommand_Errors(t *testing.T) {
	t.Setenv(passwordEnv, "pw")
	file := filepath.Join(t.TempDir(), "secrets.enc")

	err := secretsCommand([]string{"set", "--file", file}, strings.NewReader("v\n"), &bytes.Buffer{})
	assert.Equal(t, exitUsage, exitCode(err))

	err = secretsCommand([]string{"set", "--file", file, "--name", "K"}, strings.NewReader("\n"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "empty value")

	err = secretsCommand([]string{"list", "--file", file}, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)

	err = secretsCommand(nil, strings.NewReader(""), &bytes.Buffer{})
	assert.Equal(t, exitUsage, exitCode(err))
}
