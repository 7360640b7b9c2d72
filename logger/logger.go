package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var core *zap.SugaredLogger

func init() {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	log, err := config.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		panic(err)
	}
	core = log.Sugar()
}

// SetLevel reconfigures the package logger with the given level ("debug",
// "info", "warn", "error"). Unknown levels fall back to info.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = zapcore.InfoLevel
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(l)
	log, err := config.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return
	}
	core = log.Sugar()
}

func Debugf(template string, args ...interface{}) {
	core.Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	core.Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	core.Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	core.Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	core.Fatalf(template, args...)
}

// With returns a sugared logger with the given structured context attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return core.With(args...)
}
