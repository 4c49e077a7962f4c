package logger

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRespectsGlobalLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	lg := New("test")
	lg.Debug("hidden %d", 1)
	lg.Log("also hidden")
	lg.Warn("visible")

	require.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestLoggerFansOutToListeners(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(LevelDebug)
	defer SetLevel(LevelInfo)

	var mu sync.Mutex
	var received []Record
	unsubscribe := Subscribe(func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, r)
	})
	defer unsubscribe()

	lg := New("fanout")
	lg.Error("boom %s", "now")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, LevelError, received[0].Level)
	assert.Equal(t, "fanout", received[0].Channel)
	assert.Equal(t, "boom now", received[0].Message)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	SetLevel(LevelDebug)
	defer SetLevel(LevelInfo)

	calls := 0
	unsubscribe := Subscribe(func(Record) { calls++ })
	lg := New("unsub")
	lg.Log("one")
	unsubscribe()
	lg.Log("two")

	assert.Equal(t, 1, calls)
}
