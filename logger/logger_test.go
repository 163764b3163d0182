package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), "level %q", tt.in)
	}
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twmailer.log")

	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	t.Cleanup(func() {
		f.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		globalLogger = nil
	})

	Info("hello", "key", "value")
	Debug("details")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"key":"value"`)
	assert.Contains(t, string(data), `"msg":"details"`)
}

func TestInitializeUnwritableFile(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
