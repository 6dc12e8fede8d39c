package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CTXKEEPER_TELEGRAM_TOKEN", "")
	return home
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeSession(t *testing.T, home, id string) {
	t.Helper()
	now := time.Now()
	log := strings.Join([]string{
		eventlog.NewEvent("session_start", now.Add(-time.Hour), "current_task: tidy the billing module\nstack_depth: 1").Raw,
		eventlog.NewEvent("note", now.Add(-time.Minute), "session step toward the goal: keep the task context small").Raw,
	}, eventlog.Separator)
	dir := filepath.Join(home, ".ctxkeeper", "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".log"), []byte(log), 0o644))
}

func TestRootHasCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "count", "prune", "archive", "restore", "health", "cleanup", "stats"} {
		assert.True(t, names[want], want)
	}
}

func TestCountFromStdin(t *testing.T) {
	setupHome(t)
	out, _, err := run(t, "abcdefgh", "count")
	require.NoError(t, err)
	assert.Contains(t, out, "tokens:    2")
	assert.Contains(t, out, "level:     safe")
}

func TestPruneWritesOutput(t *testing.T) {
	home := setupHome(t)
	in := filepath.Join(home, "in.log")
	outPath := filepath.Join(home, "out.log")
	require.NoError(t, os.WriteFile(in, []byte(eventlog.NewEvent("note", time.Now(), "short").Raw), 0o644))

	_, stderr, err := run(t, "", "prune", in, "-o", outPath)
	require.NoError(t, err)
	assert.Contains(t, stderr, "smart:")
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<note>")

	_, _, err = run(t, "", "prune", in, "--mode", "gentle")
	assert.Error(t, err)
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	home := setupHome(t)
	writeSession(t, home, "s1")

	out, _, err := run(t, "", "archive", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "s1"`)
	assert.Contains(t, out, `"level": "Active"`)

	out, _, err = run(t, "", "restore", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "tidy the billing module")
	assert.NotContains(t, out, "<context_restoration>")

	_, _, err = run(t, "", "restore", "s1", "--scope", "project")
	assert.Error(t, err)

	out, _, err = run(t, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "session: 1 archives")
	assert.Contains(t, out, "Active: 1")

	out, _, err = run(t, "", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 1, deleted 0")
}

func TestHealthTable(t *testing.T) {
	home := setupHome(t)
	writeSession(t, home, "s1")
	writeSession(t, home, "s2")

	out, _, err := run(t, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "s2")

	out, _, err = run(t, "", "health", "s1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"session_id": "s1"`)

	_, _, err = run(t, "", "health", "missing")
	assert.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	home := setupHome(t)
	path := filepath.Join(home, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  driver: tape\n"), 0o644))
	_, _, err := run(t, "x", "count", "--config", path)
	assert.Error(t, err)
}
