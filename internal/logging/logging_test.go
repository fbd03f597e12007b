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
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "factline.log")

	log, cleanup, err := Setup(Config{Level: "debug", FilePath: path})
	require.NoError(t, err)

	log.Info("batch_done", slog.String("kind", "content_mimetype"), slog.Int("written", 3))
	log.Debug("journal_batch")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "batch_done", entry["msg"])
	assert.Equal(t, "content_mimetype", entry["kind"])
	assert.Equal(t, float64(3), entry["written"])
	assert.NotEmpty(t, entry["time"])
}

func TestSetup_LevelFiltersRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factline.log")

	log, cleanup, err := Setup(Config{Level: "warn", FilePath: path})
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestRotatingWriter_RotatesAndCapsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factline.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	// Each write is over half the threshold, so every second write
	// rotates.
	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 6; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	// Live file plus at most maxFiles rotated ones.
	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")
}

func TestRotatingWriter_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factline.log")

	w, err := NewRotatingWriter(path, 10, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewRotatingWriter(path, 10, 3)
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
