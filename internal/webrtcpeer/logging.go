package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays hidden
// unless a handler explicitly asks for it.
const levelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's internal logging into slog. Every scope becomes
// a "pion_scope" attribute on a child logger.
type LoggerFactory struct {
	logger *slog.Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

func NewLoggerFactory(logger *slog.Logger) *LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerFactory{logger: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *leveledLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
