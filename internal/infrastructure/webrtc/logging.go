package webrtc

import (
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelWarn
	levelError
	levelNone
)

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "error":
		return levelError
	case "none":
		return levelNone
	default:
		return levelWarn
	}
}

// loggerFactory routes pion's internal logging into zap. Scopes are filtered by the
// worker log tags: a scope is enabled when no tags are set or one of them is a prefix.
type loggerFactory struct {
	logger *zap.SugaredLogger
	level  logLevel
	tags   []string
}

func newLoggerFactory(logger *zap.SugaredLogger, level string, tags []string) *loggerFactory {
	return &loggerFactory{logger: logger, level: parseLogLevel(level), tags: tags}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	level := f.level
	if !f.scopeEnabled(scope) {
		level = levelNone
	}
	return &leveledLogger{logger: f.logger.With("scope", scope), level: level}
}

func (f *loggerFactory) scopeEnabled(scope string) bool {
	if len(f.tags) == 0 {
		return true
	}
	for _, tag := range f.tags {
		if strings.HasPrefix(scope, tag) {
			return true
		}
	}
	return false
}

type leveledLogger struct {
	logger *zap.SugaredLogger
	level  logLevel
}

func (l *leveledLogger) Trace(msg string) {
	if l.level <= levelDebug {
		l.logger.Debug(msg)
	}
}

func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	if l.level <= levelDebug {
		l.logger.Debugf(format, args...)
	}
}

func (l *leveledLogger) Debug(msg string) {
	if l.level <= levelDebug {
		l.logger.Debug(msg)
	}
}

func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	if l.level <= levelDebug {
		l.logger.Debugf(format, args...)
	}
}

// pion logs routine progress at info; it is folded into debug.
func (l *leveledLogger) Info(msg string) {
	if l.level <= levelDebug {
		l.logger.Info(msg)
	}
}

func (l *leveledLogger) Infof(format string, args ...interface{}) {
	if l.level <= levelDebug {
		l.logger.Infof(format, args...)
	}
}

func (l *leveledLogger) Warn(msg string) {
	if l.level <= levelWarn {
		l.logger.Warn(msg)
	}
}

func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	if l.level <= levelWarn {
		l.logger.Warnf(format, args...)
	}
}

func (l *leveledLogger) Error(msg string) {
	if l.level <= levelError {
		l.logger.Error(msg)
	}
}

func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	if l.level <= levelError {
		l.logger.Errorf(format, args...)
	}
}
