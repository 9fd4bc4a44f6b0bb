package theseus

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a console logger that writes errors to stderr and
// everything else to stdout.
func NewLogger(stdout, stderr zapcore.WriteSyncer, debug bool) *zap.SugaredLogger {
	minLevel := zapcore.InfoLevel
	if debug {
		minLevel = zapcore.DebugLevel
	}
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewDevelopmentEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewConsoleEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.Lock(stdout), isInfoLevel),
	)
	return zap.New(core).Sugar()
}
