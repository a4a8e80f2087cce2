package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewSelectsLevelByMode(t *testing.T) {
	prod, err := New("production")
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))

	dev, err := New("development")
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}
