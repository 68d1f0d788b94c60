package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/config"
	"github.com/MeKo-Tech/pageorder/internal/history"
)

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageorder.yaml")

	out, err := executeCommandAndCaptureOutput(t, rootCmd, []string{"config", "init", path})
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch_size: 10")
	assert.Contains(t, string(data), "preferred_prefix:")
	assert.Contains(t, string(data), "0900")

	_, err = executeCommandAndCaptureOutput(t, rootCmd, []string{"config", "init", path})
	assert.Error(t, err, "existing files must not be overwritten")
}

func TestConfigShowCommand(t *testing.T) {
	out, err := executeCommandAndCaptureOutput(t, rootCmd, []string{"config", "show"})
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline:")
	assert.Contains(t, out, "on_no_keys: reject")
}

func TestConfigPathsCommand(t *testing.T) {
	out, err := executeCommandAndCaptureOutput(t, rootCmd, []string{"config", "paths"})
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	assert.Equal(t, ".", lines[0])
	assert.Equal(t, "/etc/pageorder", lines[len(lines)-1])
}

func TestApplyServeFlags(t *testing.T) {
	cmd := serveCmd
	t.Cleanup(func() {
		for _, name := range []string{"port", "max-jobs"} {
			f := cmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	require.NoError(t, cmd.Flags().Set("port", "9090"))
	require.NoError(t, cmd.Flags().Set("max-jobs", "5"))

	cfg := config.DefaultConfig()
	cfg.Server.Host = "0.0.0.0"
	require.NoError(t, applyServeFlags(cmd, &cfg))

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Server.MaxConcurrentJobs)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unchanged flags keep the config value")
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	require.NoError(t, cmd.Flags().Set("max-jobs", "0"))
	assert.Error(t, applyServeFlags(cmd, &cfg))
}

func TestWriteHistoryTable(t *testing.T) {
	var empty bytes.Buffer
	require.NoError(t, writeHistoryTable(&empty, nil))
	assert.Equal(t, "No runs recorded.\n", empty.String())

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []history.Run{{
		ID:          "run-1",
		Filename:    "scan.pdf",
		TotalPages:  12,
		KeyedPages:  11,
		MissingKeys: 1,
		Status:      history.StatusCompleted,
		StartedAt:   start,
		FinishedAt:  start.Add(1500 * time.Millisecond),
	}}
	var buf bytes.Buffer
	require.NoError(t, writeHistoryTable(&buf, runs))

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "scan.pdf")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "run-1")
}
