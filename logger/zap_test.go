package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerWithAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLoggerFrom(zap.New(core)).With(map[string]any{"chain": int64(8453)})

	l.Info("deployed", map[string]any{"account": "0xabc", "error": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "deployed", entries[0].Message)
	assert.Equal(t, int64(8453), ctx["chain"])
	assert.Equal(t, "0xabc", ctx["account"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestOrNoop(t *testing.T) {
	assert.IsType(t, NoopLogger{}, OrNoop(nil))
	assert.NotPanics(t, func() { OrNoop(nil).With(nil).Error("x", nil) })
}
