package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory so no .env is picked up, and
// restores the default logger that run replaces.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	for _, key := range []string{"DATABASE_URL", "NATS_URL", "SEED_FILE", "LOG_FILE"} {
		t.Setenv(key, "")
	}
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	return dir
}

func TestRunReturnsConfigErrors(t *testing.T) {
	isolate(t)
	t.Setenv("SNOWFLAKE_NODE", "5000")

	err := run(context.Background())
	require.ErrorContains(t, err, "invalid configuration")
}

func TestRunStartupFailureClosesLogFile(t *testing.T) {
	dir := isolate(t)
	logFile := filepath.Join(dir, "vault.log")
	t.Setenv("LOG_FILE", logFile)
	t.Setenv("SEED_FILE", filepath.Join(dir, "missing.yaml"))

	err := run(context.Background())
	require.ErrorContains(t, err, "load seed")

	// The in-memory store warning went through the rotating file before the
	// failure, and the file was released on the way out.
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "DATABASE_URL not set")
	require.NoError(t, os.Remove(logFile))
}

func TestRunShutsDownWhenContextEnds(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx))
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
