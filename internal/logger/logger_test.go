package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewSloggerJSONToFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "craftd.log")
	cfg := Config{Slog: SlogConfig{Level: "debug", Format: FormatJSON, TimeStamps: true, File: file}}

	log := cfg.NewSlogger()
	log.Info("daemon ready", "listen", ":8443")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	require.Equal(t, "daemon ready", rec["msg"])
	require.Equal(t, ":8443", rec["listen"])
}

func TestColorHandlerColorsLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	r := slog.NewRecord(time.Time{}, slog.LevelError, "boom", 0)
	require.NoError(t, h.Handle(context.Background(), r))
	require.Contains(t, buf.String(), "\033[31mERROR\033[0m")
	require.Contains(t, buf.String(), "boom")
}

func TestConsoleWriterPath(t *testing.T) {
	dir := t.TempDir()
	w := FileConfig{Dir: dir}.Writer("survival")
	require.NotNil(t, w)
	_, err := w.Write([]byte("hello from the server\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "survival.console.log"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "hello from the server"))
}

func TestConsoleWriterNilWithoutDir(t *testing.T) {
	require.Nil(t, FileConfig{}.Writer("survival"))
}
