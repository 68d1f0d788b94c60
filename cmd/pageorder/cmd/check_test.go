package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/config"
)

func TestCheckCommand(t *testing.T) {
	assert.NotNil(t, checkCmd)
	assert.Equal(t, "check", checkCmd.Use)
	assert.NotEmpty(t, checkCmd.Short)
}

func TestCheckCommandHelp(t *testing.T) {
	// Call Help directly to avoid differences in cobra help flag interception
	cmd := checkCmd
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	err := cmd.Help()
	require.NoError(t, err)
	output := strings.TrimSpace(buf.String())
	assert.Contains(t, output, "check")
	assert.Contains(t, output, "Usage:")
}

func TestRunChecks(t *testing.T) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer

	require.NoError(t, runChecks(&buf, &cfg))

	output := buf.String()
	assert.Contains(t, output, "Tesseract version:")
	assert.Contains(t, output, "Configuration valid")
	assert.Contains(t, output, "preferred prefix: 0900")
	assert.Contains(t, output, "All checks passed.")
}

func TestRunChecksInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.BatchSize = 0
	var buf bytes.Buffer

	err := runChecks(&buf, &cfg)

	require.Error(t, err)
	assert.Contains(t, buf.String(), "Configuration invalid")
	assert.NotContains(t, buf.String(), "All checks passed.")
}
