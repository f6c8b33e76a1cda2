// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines parses every JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

// TestLogger_Info verifies message and context fields are emitted.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("cycle completed", map[string]interface{}{"batches": 3, "quality": "good"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "cycle completed", entries[0]["message"])
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.EqualValues(t, 3, entries[0]["batches"])
	assert.Equal(t, "good", entries[0]["quality"])
	assert.Contains(t, entries[0], "timestamp")
}

// TestLogger_minLevel verifies messages below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0]["message"])
}

// TestLogger_ErrorWithCode verifies error and code fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("upload failed", "NETWORK_TRANSIENT", errors.New("503"),
		map[string]interface{}{"item_id": "u-1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "503", entries[0]["error"])
	assert.Equal(t, "NETWORK_TRANSIENT", entries[0]["code"])
	assert.Equal(t, "u-1", entries[0]["item_id"])
}

// TestLogger_mergesContexts verifies multiple context maps are merged.
func TestLogger_mergesContexts(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0]["a"])
	assert.EqualValues(t, 2, entries[0]["b"])
}

// TestInit_replacesGlobal verifies Init swaps the global logger.
func TestInit_replacesGlobal(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	Info("global message")
	assert.Contains(t, buf.String(), "global message")
	assert.Same(t, Get(), Get())
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
