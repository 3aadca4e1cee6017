package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel tests level names
func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

// TestNew_FileLogging tests that a configured directory receives the log file
func TestNew_FileLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()

	logger, closer, err := New(cfg)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(cfg.Dir, cfg.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

// TestNew_InvalidRotation tests rotation settings validation
func TestNew_InvalidRotation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.MaxBackups = 0
	_, _, err := New(cfg)
	assert.Error(t, err)
}

// TestComponent tests nil-safe scoping
func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "index"))
}
