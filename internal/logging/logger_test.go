package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldbell/premarket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for raw, want := range tests {
		got, err := parseLevel(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := parseLevel("trace")
	require.Error(t, err)
}

func TestJSONLoggerCarriesServiceAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLogger, err := newLogger(&buf, "indexer", config.LogConfig{Format: "json", Level: "debug"}, "chain", "solana")
	require.NoError(t, err)
	defer closeLogger()

	logger.Debug("synced", "offers", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "indexer", entry["service"])
	assert.Equal(t, "solana", entry["chain"])
	assert.Equal(t, "synced", entry["msg"])
	assert.Equal(t, float64(3), entry["offers"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "api.log")
	var console bytes.Buffer
	logger, closeLogger, err := newLogger(&console, "api-server", config.LogConfig{Output: "both", FilePath: path})
	require.NoError(t, err)

	logger.Info("listening")
	require.NoError(t, closeLogger())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "msg=listening")
	assert.Contains(t, console.String(), "service=api-server")
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, _, err := newLogger(&bytes.Buffer{}, "x", config.LogConfig{Format: "xml"})
	require.Error(t, err)

	_, _, err = newLogger(&bytes.Buffer{}, "x", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}
