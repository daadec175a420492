package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New("debug", format)
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn("skipping binary file", zap.String("path", "img.png"))

	assert.True(t, tl.Contains(zapcore.WarnLevel, "binary"))
	assert.False(t, tl.Contains(zapcore.ErrorLevel, "binary"))
	tl.AssertLogged(t, zapcore.WarnLevel, "skipping")
	require.Len(t, tl.All(), 1)
	assert.Equal(t, "img.png", tl.All()[0].ContextMap()["path"])
}
