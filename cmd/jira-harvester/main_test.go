package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/jira-harvester/internal/testutil"
	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir        string
	mock       *testutil.MockJira
	configPath string
	output     string
	checkpoint string
}

func newFixture(t *testing.T, backend string, projects ...string) *fixture {
	t.Helper()
	mock := testutil.NewMockJira()
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	f := &fixture{
		dir:    dir,
		mock:   mock,
		output: filepath.Join(dir, "out", "issues.jsonl"),
	}
	switch backend {
	case "sqlite":
		f.checkpoint = filepath.Join(dir, "checkpoint.db")
	default:
		f.checkpoint = filepath.Join(dir, "checkpoint.json")
	}

	yaml := fmt.Sprintf(`
jira:
  base_url: %s
  user_agent: jira-harvester-test/1.0
  page_size: 2
  projects: [%s]
  request_interval: 0s
  timeout: 5s
retry:
  base_delay: 1ms
  max_backoff: 5ms
  max_attempts: 3
checkpoint:
  backend: %s
  path: %s
output:
  path: %s
log:
  level: debug
  file: %s
`, mock.URL(), strings.Join(projects, ", "), backend, f.checkpoint, f.output, filepath.Join(dir, "harvester.log"))

	f.configPath = filepath.Join(dir, "harvester.yaml")
	require.NoError(t, os.WriteFile(f.configPath, []byte(yaml), 0o644))
	return f
}

func (f *fixture) run(t *testing.T, extra ...string) (int, string) {
	t.Helper()
	var stderr bytes.Buffer
	args := append([]string{"-config", f.configPath}, extra...)
	code := run(context.Background(), args, &stderr)
	return code, stderr.String()
}

func (f *fixture) lineCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(f.output)
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestRun_HarvestsAllProjects(t *testing.T) {
	f := newFixture(t, "file", "SPARK", "KAFKA")
	f.mock.SetIssues("SPARK", 5)
	f.mock.SetIssues("KAFKA", 3)
	f.mock.QueueFault("KAFKA", 2, testutil.NewServiceUnavailableResponse())

	code, logs := f.run(t)
	require.Equal(t, exitOK, code, logs)
	assert.Equal(t, 8, f.lineCount(t))

	data, err := os.ReadFile(f.checkpoint)
	require.NoError(t, err)
	assert.JSONEq(t, `{"SPARK": "COMPLETED", "KAFKA": "COMPLETED"}`, string(data))
	assert.Contains(t, logs, "Project summary")

	logFile, err := os.ReadFile(filepath.Join(f.dir, "harvester.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logFile), `"resource":"KAFKA"`)

	// A second run issues no requests and appends nothing.
	before := f.mock.GetRequestCount()
	code, logs = f.run(t)
	require.Equal(t, exitOK, code, logs)
	assert.Equal(t, before, f.mock.GetRequestCount())
	assert.Equal(t, 8, f.lineCount(t))
}

func TestRun_SQLiteBackend(t *testing.T) {
	f := newFixture(t, "sqlite", "HADOOP")
	f.mock.SetIssues("HADOOP", 3)

	code, logs := f.run(t)
	require.Equal(t, exitOK, code, logs)
	assert.Equal(t, 3, f.lineCount(t))

	store, err := checkpoint.NewSQLiteStore(f.checkpoint)
	require.NoError(t, err)
	defer store.Close()
	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, state["HADOOP"].Complete)
}

func TestRun_FailedProjectExitsNonZero(t *testing.T) {
	f := newFixture(t, "file", "SPARK", "MISSING")
	f.mock.SetIssues("SPARK", 2)

	code, logs := f.run(t)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, logs, "failed projects")
	assert.Equal(t, 2, f.lineCount(t))
}

func TestRun_CorruptCheckpointNeedsFresh(t *testing.T) {
	f := newFixture(t, "file", "SPARK")
	f.mock.SetIssues("SPARK", 3)
	require.NoError(t, os.WriteFile(f.checkpoint, []byte("{not json"), 0o644))

	code, logs := f.run(t)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, logs, "corrupt")
	assert.Zero(t, f.mock.GetRequestCount())

	code, logs = f.run(t, "-fresh")
	require.Equal(t, exitOK, code, logs)
	assert.Equal(t, 3, f.lineCount(t))

	matches, err := filepath.Glob(f.checkpoint + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRun_UsageErrors(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitUsage, run(context.Background(), []string{"-nope"}, &stderr))

	f := newFixture(t, "file", "SPARK")
	code, _ := f.run(t, "-log-level", "chatty")
	assert.Equal(t, exitUsage, code)

	assert.Equal(t, exitUsage, run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, &stderr))
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, "file", "SPARK")
	f.mock.SetIssues("SPARK", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stderr bytes.Buffer
	code := run(ctx, []string{"-config", f.configPath}, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Zero(t, f.mock.GetRequestCount())
}
