package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nhle/agentmail/internal/model"
)

func TestJSONOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(model.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("draft expired", zap.String("draft_id", "d1"))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "draft expired", entry["message"])
	assert.Equal(t, "d1", entry["draft_id"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(model.LogConfig{Level: "loud"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentmail.log")
	var buf bytes.Buffer
	log, err := NewWithWriter(model.LogConfig{Level: "info", Development: true, File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	log.Info("connected")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connected")
	assert.Contains(t, buf.String(), "connected")
}
