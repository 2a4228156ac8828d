package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/golangast/agentencoder/internal/config"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		cfg  config.LoggingConfig
		want zapcore.Level
	}{
		{config.LoggingConfig{Level: "debug"}, zapcore.DebugLevel},
		{config.LoggingConfig{Level: "warn", Development: true}, zapcore.WarnLevel},
		{config.LoggingConfig{Level: "error"}, zapcore.ErrorLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.cfg.Level, func(t *testing.T) {
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.want))
			assert.False(t, logger.Core().Enabled(tc.want-1))
		})
	}

	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
