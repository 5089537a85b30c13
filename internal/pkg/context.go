package pkg

import (
	"context"

	"go.uber.org/zap"
)

// 不导出的 key 类型，避免 context key 冲突
type (
	loggerKey  struct{}
	configKey  struct{}
	errChanKey struct{}
)

// WithLogger 将 zap.Logger 存入 context 中
func WithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// WithLoggerAndModule 存入带有模块信息的 logger
func WithLoggerAndModule(ctx context.Context, log *zap.Logger, module string) context.Context {
	return WithLogger(ctx, log.With(zap.String("module", module)))
}

// LoggerFromContext 从 context 中提取 logger, 不存在时返回 Nop logger
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && log != nil {
		return log
	}
	return zap.NewNop()
}

// WithConfig 将配置指针存入 context 中
func WithConfig(ctx context.Context, c *Config) context.Context {
	return context.WithValue(ctx, configKey{}, c)
}

// ConfigFromContext 从 context 中提取配置指针, 不存在时返回默认配置
func ConfigFromContext(ctx context.Context) *Config {
	if c, ok := ctx.Value(configKey{}).(*Config); ok && c != nil {
		return c
	}
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// WithErrChan 挂载全局错误通道
func WithErrChan(ctx context.Context, errChan chan error) context.Context {
	return context.WithValue(ctx, errChanKey{}, errChan)
}

// ErrChanFromContext 从 context 中提取错误通道
func ErrChanFromContext(ctx context.Context) chan<- error {
	if errChan, ok := ctx.Value(errChanKey{}).(chan error); ok {
		return errChan
	}
	return nil
}

// ReportError 非阻塞地把错误投递到全局错误通道, 通道缺失或已满时只记录日志
func ReportError(ctx context.Context, err error) {
	errChan := ErrChanFromContext(ctx)
	if errChan == nil {
		LoggerFromContext(ctx).Error("no error channel in context", zap.Error(err))
		return
	}
	select {
	case errChan <- err:
	default:
		LoggerFromContext(ctx).Error("error channel full, dropping error", zap.Error(err))
	}
}
