package pkg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewLogger 测试 NewLogger 是否能够正确创建一个 logger
func TestNewLogger(t *testing.T) {
	config := &LogConfig{
		LogPath:    filepath.Join(t.TempDir(), "test.log"),
		MaxSize:    1,
		MaxBackups: 3,
		MaxAge:     7,
		Level:      "infoo", // 非法级别回落到 info
	}

	logger := NewLogger(config)
	assert.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewLogger_StdoutOnly(t *testing.T) {
	logger := NewLogger(&LogConfig{Level: "debug"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestWithLoggerAndModule(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLoggerAndModule(context.Background(), zap.New(core), "Scheduler")

	LoggerFromContext(ctx).Info("tick")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "Scheduler", logs.All()[0].ContextMap()["module"])
}

func TestLoggerFromContext_Missing(t *testing.T) {
	log := LoggerFromContext(context.Background())
	assert.NotNil(t, log)
	log.Info("goes nowhere")
}
