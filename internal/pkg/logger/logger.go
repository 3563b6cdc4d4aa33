package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	mu   sync.RWMutex
	once sync.Once
)

// InitLogger 初始化 Zap 日志库
// outputPath: 日志文件路径，例如 "logs/app.log"
// errorPath: 错误日志文件路径，例如 "logs/error.log"
// level: 日志级别 (debug, info, warn, error, dpanic, panic, fatal)
func InitLogger(outputPath, errorPath string, level string) {
	once.Do(func() {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			l = zap.InfoLevel // 默认 INFO 级别
			fmt.Fprintf(os.Stderr, "Failed to parse log level '%s', defaulting to info: %v\n", level, err)
		}

		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(l)
		cfg.OutputPaths = []string{outputPath, "stdout"}
		cfg.ErrorOutputPaths = []string{errorPath, "stderr"}
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		built, err := cfg.Build()
		if err != nil {
			panic(fmt.Sprintf("Failed to build zap logger: %v", err))
		}
		SetLogger(built)
	})
}

// SetLogger 替换全局 logger, 测试中常用 zap.NewNop()
func SetLogger(l *zap.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
}

// 返回全局logger
func GetLogger() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		// 未调用 InitLogger 时退化为只输出到标准流
		InitLogger("stdout", "stderr", "info")
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// Named 返回带名字的子 logger, 便于区分组件
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

// 刷新缓冲区,确保程序退出前使用
func Sync() {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		if err := l.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to sync zap logger: %v\n", err)
		}
	}
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}
