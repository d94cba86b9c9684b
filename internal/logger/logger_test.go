package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log := New()
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Str("tenant_id", "t1").Msg("test message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "t1", entry["tenant_id"])
	assert.Contains(t, entry, "time")
}

func TestNewFromConfigWithWriter(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zerolog.Level
		wantErr   bool
	}{
		{name: "json debug", level: "debug", format: "json", wantLevel: zerolog.DebugLevel},
		{name: "console warn", level: "WARN", format: "console", wantLevel: zerolog.WarnLevel},
		{name: "default format", level: "info", format: "", wantLevel: zerolog.InfoLevel},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
		{name: "empty level", level: "", format: "json", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewFromConfigWithWriter(&bytes.Buffer{}, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, log.GetLevel())
		})
	}
}

func TestNewFromConfig_FiltersBelowLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := NewFromConfigWithWriter(buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	FromContext(ctx).Info().Msg("test")
	assert.NotZero(t, buf.Len())
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())
	assert.Equal(t, zerolog.Disabled, log.GetLevel())
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]any{
		"request_id": "r-1",
		"attempt":    2,
	})

	log.Info().Msg("with fields")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r-1", entry["request_id"])
	assert.Equal(t, float64(2), entry["attempt"])
}
