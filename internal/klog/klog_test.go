package klog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBootFaultReapTagPhase(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.Boot("subsystems constructed", "frames", 10)
	assert.Contains(t, buf.String(), `phase=boot`)

	buf.Reset()
	l.Fault("admission denied")
	assert.Contains(t, buf.String(), `phase=fault`)

	buf.Reset()
	l.Reap("zombie reaped", "pid", 7)
	assert.Contains(t, buf.String(), `phase=reap`)
}

func TestNewWritesToStderrHandler(t *testing.T) {
	l := New(slog.LevelInfo)
	assert.NotNil(t, l.Logger)
}
