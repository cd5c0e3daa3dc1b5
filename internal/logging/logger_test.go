package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l := New(&Config{Level: "INFO", Output: path, JSONFormat: true, Component: "main"})

	l.Debug().Msg("hidden")
	cl := Component(l, "engine")
	cl.Info().Str("symbol", "BTCUSDT").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "BTCUSDT", entry["symbol"])
	assert.Equal(t, "engine", entry["component"])
}

func TestTraceContext(t *testing.T) {
	base := zerolog.New(io.Discard).Level(zerolog.WarnLevel)
	ctx, l := WithTraceContext(context.Background(), base)
	assert.NotEmpty(t, TraceID(ctx))
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())
	assert.Equal(t, zerolog.WarnLevel, FromContext(ctx).GetLevel())
	assert.Empty(t, TraceID(context.Background()))
}
