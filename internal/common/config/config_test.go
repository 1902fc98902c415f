package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "toolmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.OutputPath)
	assert.Equal(t, "./toolmux.db", cfg.History.Path)
	assert.Empty(t, cfg.Tools)
}

func TestLoadToolsWithOverrides(t *testing.T) {
	dir := writeConfigFile(t, `
tools:
  - name: echo
    displayName: Echo
    command: /bin/cat
    promptPattern: '> $'
    responseTimeout: 250ms
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 1)

	tc := cfg.Tools[0]
	assert.Equal(t, "echo", tc.Name)
	assert.Equal(t, "Echo", tc.DisplayName)
	assert.Equal(t, "/bin/cat", tc.Command)
	assert.Equal(t, 250*time.Millisecond, tc.ResponseTimeout)
	// Defaults applied for unset fields
	assert.Equal(t, defaultStartupTimeout, tc.StartupTimeout)
	assert.Equal(t, defaultCols, tc.Cols)
	assert.Equal(t, defaultRows, tc.Rows)
}

func TestPresetFillsEmptyFields(t *testing.T) {
	dir := writeConfigFile(t, `
tools:
  - name: claude
    cwd: /tmp/project
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 1)

	tc := cfg.Tools[0]
	assert.Equal(t, "Claude", tc.DisplayName)
	assert.Equal(t, "claude", tc.Command)
	assert.Equal(t, []string{"--continue"}, tc.ResumeArgs)
	assert.Equal(t, "screen", tc.Sanitizer)
	assert.Equal(t, "/tmp/project", tc.WorkingDir)
	assert.Equal(t, 8*time.Second, tc.ResponseTimeout)
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	dir := writeConfigFile(t, `
tools:
  - name: a
    command: /bin/true
  - name: a
    command: /bin/false
`)
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestValidateRejectsMissingCommand(t *testing.T) {
	dir := writeConfigFile(t, `
tools:
  - name: broken
`)
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestValidateRejectsUnknownSanitizer(t *testing.T) {
	dir := writeConfigFile(t, `
tools:
  - name: x
    command: /bin/true
    sanitizer: html
`)
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sanitizer")
}

func TestPresetsLoad(t *testing.T) {
	p := Presets()
	require.Contains(t, p, "claude")
	assert.Equal(t, 8*time.Second, p["claude"].ResponseTimeout)
	assert.NotEmpty(t, p["claude"].PromptPattern)
}
