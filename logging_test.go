// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a logger written from event loops.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// entries decodes the JSON lines written so far.
func (b *syncBuffer) entries(t testing.TB) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

// count reports how many entries have the given message.
func (b *syncBuffer) count(t testing.TB, msg string) int {
	n := 0
	for _, e := range b.entries(t) {
		if e["message"] == msg {
			n++
		}
	}
	return n
}

func newTestLogger(level string) (*ZerologLogger, *syncBuffer) {
	buf := &syncBuffer{}
	return NewZerologLogger(buf, level, false), buf
}

func TestLogging_NoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}
	logger.Debug("debug", Field{Key: "k", Value: 1})
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	assert.Same(t, logger, logger.With(Field{Key: "k", Value: "v"}))
}

func TestLogging_ZerologFields(t *testing.T) {
	logger, buf := newTestLogger("debug")
	logger.Info("Channel ready",
		Field{Key: "connection_id", Value: uint32(42)},
		Field{Key: "channel", Value: "display"},
		Field{Key: "error", Value: errors.New("boom")})

	entries := buf.entries(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "Channel ready", e["message"])
	assert.EqualValues(t, 42, e["connection_id"])
	assert.Equal(t, "display", e["channel"])
	assert.Equal(t, "boom", e["error"])
	assert.Contains(t, e, "time")
}

func TestLogging_ZerologLevels(t *testing.T) {
	logger, buf := newTestLogger("warn")
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	entries := buf.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "error", entries[1]["level"])
}

func TestLogging_ZerologWith(t *testing.T) {
	logger, buf := newTestLogger("info")
	child := logger.With(Field{Key: "channel", Value: "main"}, Field{Key: "channel_id", Value: 0})
	child.Info("Session established")
	logger.Info("Parent entry")

	entries := buf.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "main", entries[0]["channel"])
	assert.EqualValues(t, 0, entries[0]["channel_id"])
	assert.NotContains(t, entries[1], "channel")
}

func TestLogging_ParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		"TRACE":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
		"nonsense": zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		" warn ":   zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}

func TestLogging_ConsoleOutput(t *testing.T) {
	buf := &syncBuffer{}
	logger := NewZerologLogger(buf, "info", true)
	logger.Warn("Unknown message type", Field{Key: "type", Value: 42})
	out := buf.String()
	assert.Contains(t, out, "Unknown message type")
	assert.Contains(t, out, "type=")
	assert.False(t, strings.HasPrefix(out, "{"))
}
