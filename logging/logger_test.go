package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, LogLevelWarn, "mac")

	log.Infof("hidden %d", 1)
	log.Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "component=mac")

	log.SetLevel(LogLevelDebug)
	assert.True(t, log.Enabled(LogLevelDebug))
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, LogLevelInfo, "sched").With("rnti", "0x4601")
	log.Infof("grant")
	assert.Contains(t, buf.String(), "rnti=0x4601")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var log *Logger
	log.Infof("nothing")
	log.With("k", 1).Errorf("nothing")
	assert.False(t, log.Enabled(LogLevelError))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestThrottledSuppresses(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, LogLevelInfo, "")
	th := NewThrottled(log, time.Hour, 1)

	th.Warnf("first")
	th.Warnf("second")
	th.Warnf("third")

	assert.Contains(t, buf.String(), "first")
	assert.NotContains(t, buf.String(), "second")
	assert.Equal(t, int64(2), th.Suppressed())
}
