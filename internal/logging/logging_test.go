package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringToLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := StringToLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := StringToLevel("loud")
	assert.Error(t, err)
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelToString(slog.LevelDebug))
	assert.Equal(t, "WARN", LevelToString(slog.LevelWarn))
	assert.Equal(t, "INFO", LevelToString(slog.Level(42)))
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "250 OK FAKE", sanitizeMessage("250 OK\nFAKE"))
	assert.Equal(t, "a  b", sanitizeMessage("a\r\nb"))
	assert.Equal(t, "bell", sanitizeMessage("be\x07ll"))
	assert.Equal(t, "tab\tkept", sanitizeMessage("tab\tkept"))
}

func TestSanitizingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "json", slog.LevelDebug)

	logger.With("dsn", "postgres://u:p@h/db").Info("probe\nreply",
		"server_response", "550 no\r\nFAKE-LINE",
		"redis_password", "hunter2",
		slog.Group("smtp", "reply", "a\nb"),
		"code", 550)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "probe reply", entry["msg"])
	assert.Equal(t, "550 no  FAKE-LINE", entry["server_response"])
	assert.Equal(t, "***REDACTED***", entry["redis_password"])
	assert.Equal(t, "***REDACTED***", entry["dsn"])
	assert.Equal(t, float64(550), entry["code"])
	assert.Equal(t, "a b", entry["smtp"].(map[string]interface{})["reply"])
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewWithWriter(&buf, "text", level)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mxverify.log")
	logger, closer, err := New(Config{Level: "info", Format: "json", Output: path}, nil)
	require.NoError(t, err)

	logger.Info("written to file", "email", "a@example.com")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "verbose"}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}
