// Package logger 提供进程级的 zap 日志, 控制台彩色输出, 文件输出由 lumberjack 切割
package logger

import (
	"os"
	"strings"
	"sync"

	"ab-paper-bot-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu            sync.RWMutex
	baseLogger    *zap.Logger
	sugaredLogger *zap.SugaredLogger
)

func encoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// buildCores 根据输出模式创建 core, 文件中不写入颜色转义符
func buildCores(cfg models.LogConfig, level zapcore.LevelEnabler) []zapcore.Core {
	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if (output == "file" || output == "both") && cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(false)), zapcore.AddSync(rotator), level))
	}
	// 配置无效时也回退到控制台
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(true)), zapcore.Lock(os.Stdout), level))
	}
	return cores
}

// InitLogger 初始化全局日志记录器, 可重复调用 (先用默认配置, 读取配置文件后再次初始化)
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	l := zap.New(zapcore.NewTee(buildCores(cfg, level)...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	sugaredLogger = l.Sugar()
	mu.Unlock()
}

func fallback() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// L 返回全局的结构化 logger，供需要注入 *zap.Logger 的组件使用
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		return fallback()
	}
	return baseLogger
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if sugaredLogger == nil {
		return fallback().Sugar()
	}
	return sugaredLogger
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() {
	_ = L().Sync()
}
