package sysutil

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Hara602/usbDefender/internal/config"
)

// NewLogger builds the application logger: rotating app.log plus optional
// colored console output. Callers receive the handle explicitly; there is no
// package-level logger.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewDevelopmentConfig().EncoderConfig
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := make([]zapcore.Core, 0, 2)

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, err
		}
		fileSink := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Directory, "app.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.BackupCount,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(fileSink),
			level,
		))
	}

	if cfg.Console || cfg.Directory == "" {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder // 彩色级别
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.AddSync(os.Stdout),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
