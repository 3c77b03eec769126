package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"chorus/internal/platform/logging"
)

func TestNewParsesLevel(t *testing.T) {
	t.Parallel()
	logger, err := logging.New("WARN", false)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	_, err := logging.New("chatty", true)
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	require.NotNil(t, logging.OrNop(nil))
}
