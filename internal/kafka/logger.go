package kafka

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger feeds franz-go's client logs into zap.
type zapLogger struct {
	logger *zap.SugaredLogger
	level  kgo.LogLevel
}

func newZapLogger(l *zap.Logger) *zapLogger {
	level := kgo.LogLevelNone
	switch {
	case l.Core().Enabled(zapcore.DebugLevel):
		level = kgo.LogLevelDebug
	case l.Core().Enabled(zapcore.InfoLevel):
		level = kgo.LogLevelInfo
	case l.Core().Enabled(zapcore.WarnLevel):
		level = kgo.LogLevelWarn
	case l.Core().Enabled(zapcore.ErrorLevel):
		level = kgo.LogLevelError
	}
	return &zapLogger{logger: l.Named("kgo").Sugar(), level: level}
}

func (z *zapLogger) Level() kgo.LogLevel { return z.level }

func (z *zapLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		z.logger.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		z.logger.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		z.logger.Infow(msg, keyvals...)
	case kgo.LogLevelDebug:
		z.logger.Debugw(msg, keyvals...)
	}
}
