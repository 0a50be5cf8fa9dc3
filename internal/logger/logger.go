package logger

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	sugar.Store(zap.NewNop().Sugar())
}

// Init 初始化全局日志
func Init(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("解析日志级别失败: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("创建日志失败: %w", err)
	}
	sugar.Store(l.Sugar())
	return nil
}

// S 返回全局日志
func S() *zap.SugaredLogger {
	return sugar.Load()
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = S().Sync()
}
