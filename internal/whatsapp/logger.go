package whatsapp

import (
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts the global zap logger to whatsmeow's logging interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ waLog.Logger = (*zapLogger)(nil)

// NewLogger returns a whatsmeow logger writing through zap at or above level
// (DEBUG, INFO, WARN or ERROR).
func NewLogger(module, level string) waLog.Logger {
	lvl := zapcore.InfoLevel
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = zapcore.DebugLevel
	case "WARN", "WARNING":
		lvl = zapcore.WarnLevel
	case "ERROR":
		lvl = zapcore.ErrorLevel
	}
	base := zap.L().WithOptions(zap.IncreaseLevel(lvl))
	return &zapLogger{sugar: base.Sugar().Named(module)}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) { l.sugar.Debugf(msg, args...) }
func (l *zapLogger) Infof(msg string, args ...interface{})  { l.sugar.Infof(msg, args...) }
func (l *zapLogger) Warnf(msg string, args ...interface{})  { l.sugar.Warnf(msg, args...) }
func (l *zapLogger) Errorf(msg string, args ...interface{}) { l.sugar.Errorf(msg, args...) }

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{sugar: l.sugar.Named(module)}
}
