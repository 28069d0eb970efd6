package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewText(t *testing.T) {
	buf := &bytes.Buffer{}
	log, closer, err := New(Options{Level: "warn"}, buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("hidden")
	log.Warn("shown", slog.String("number", "42"))

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "number=42")
}

func TestNewJSONWithFile(t *testing.T) {
	buf := &bytes.Buffer{}
	file := filepath.Join(t.TempDir(), "hasip.log")

	log, closer, err := New(Options{Format: "json", File: file, MaxSizeMB: 1}, buf)
	require.NoError(t, err)

	log.Info("Add to state", slog.String("caller_id", "100"))
	require.NoError(t, closer.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Add to state", entry["msg"])

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"caller_id":"100"`)
}

func TestNewUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
