package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})
	require.NotNil(t, logger)

	t.Run("Levels", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug msg")
		assert.Contains(t, buf.String(), "debug msg")

		buf.Reset()
		logger.Error("error msg")
		assert.Contains(t, buf.String(), "error msg")
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("applier").Info("msg")
		assert.Contains(t, buf.String(), "applier")
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"family": "ipv6"}).Info("msg")
		assert.Contains(t, buf.String(), "family")
		assert.Contains(t, buf.String(), "ipv6")
	})

}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf, JSON: true})

	logger.Info("should not appear")
	assert.Zero(t, buf.Len(), "logged info message when level was warn")

	logger.Audit("insert", "ipv4/filter/INPUT", map[string]any{"rule": "902/tcp"})
	assert.Contains(t, buf.String(), `"audit":true`)
	assert.Contains(t, buf.String(), "902/tcp")
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Session").Info("state changed", "to", "awaiting confirmation")

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, "portguard[")
	assert.Contains(t, line, "[info] session: state changed")
	assert.Contains(t, line, `to="awaiting confirmation"`)
	assert.NotContains(t, line, "component=")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
