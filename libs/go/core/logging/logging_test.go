package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestInitWriterJSON(t *testing.T) {
	t.Setenv("SWARM_JSON_LOG", "true")
	t.Setenv("SWARM_LOG_LEVEL", "info")
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitWriter("search-engine", &buf)
	logger.Info("hello", "k", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "search-engine", rec["service"])
	assert.Equal(t, "hello", rec["msg"])
}

func TestInitWriterLevelFilters(t *testing.T) {
	t.Setenv("SWARM_JSON_LOG", "")
	t.Setenv("SWARM_LOG_LEVEL", "warn")
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitWriter("svc", &buf)
	logger.Info("quiet")
	assert.Empty(t, buf.String())
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "msg=loud")
	assert.Contains(t, buf.String(), "service=svc")
}
