package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		name    string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{" error ", ErrorLevel, false},
		{"fatal", FatalLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		level, err := ParseLevel(tt.name)
		if tt.wantErr {
			assert.Error(err, tt.name)
			continue
		}
		assert.NoError(err, tt.name)
		assert.Equal(tt.want, level, tt.name)
	}
}

func TestSlogLogger_JSON(t *testing.T) {
	t.Setenv("ENV", "")
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWriter(&buf, InfoLevel, false)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("device", 7).Info("linked", "token", "10.0.0.7")

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("linked", rec["msg"])
	require.Equal("10.0.0.7", rec["token"])
	require.EqualValues(7, rec["device"])
	require.Contains(rec, "ts")
	require.NotContains(rec, "time")
}

func TestSlogLogger_SharedLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewSlogWriter(&buf, ErrorLevel, false)
	child := parent.With("k", "v")

	child.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, parent.Level())

	parent.Debug("visible")
	assert.NotZero(t, buf.Len())
}
