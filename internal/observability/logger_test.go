package observability

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestLogrusLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(&buf, "debug", "feed")

	logger.Info("connected", F("attempt", 3), F("url", "wss://example.test"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "connected", line["msg"])
	require.Equal(t, "feed", line["component"])
	require.EqualValues(t, 3, line["attempt"])
	require.Equal(t, "wss://example.test", line["url"])
}

func TestLogrusLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogrusLogger(&buf, "warn", "gateway")

	logger.Debug("ignored")
	logger.Info("ignored too")
	require.Zero(t, buf.Len())

	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewLogrusLogger(&buf, "info", "test"))
	t.Cleanup(func() { SetLogger(nil) })

	Log().Info("visible")
	require.NotZero(t, buf.Len())

	SetLogger(nil)
	before := buf.Len()
	Log().Info("dropped")
	require.Equal(t, before, buf.Len())
}
