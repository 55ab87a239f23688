package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig(t *testing.T) {
	prod, err := Config("production", "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, prod.Level.Level())
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "timestamp", prod.EncoderConfig.TimeKey)

	dev, err := Config("development", "")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, dev.Level.Level())
	assert.Equal(t, "console", dev.Encoding)

	quiet, err := Config("development", "warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, quiet.Level.Level())

	_, err = Config("production", "loud")
	assert.Error(t, err)
}

func TestGetBeforeInit(t *testing.T) {
	saved := Logger
	Logger = nil
	t.Cleanup(func() { Logger = saved })

	assert.NotNil(t, Get())
	assert.Same(t, Get(), Get(), "fallback logger is shared")
	assert.NotNil(t, Named("session"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
