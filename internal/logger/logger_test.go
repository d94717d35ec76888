package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithQuiet(), WithFormat("json"), WithWriter(&buf))

	l.Info("run finished", "day", "2025-01-02")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run finished", rec["msg"])
	assert.Equal(t, "2025-01-02", rec["day"])
}

func TestNew_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithQuiet(), WithWriter(&buf))
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	buf.Reset()
	l = New(WithQuiet(), WithDebug(), WithWriter(&buf))
	l.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(WithQuiet(), WithWriter(&buf)), "cron")
	l.Info("started")
	assert.True(t, strings.Contains(buf.String(), "component=cron"), buf.String())

	// nil parent must not panic
	Component(nil, "x").Info("dropped")
}
