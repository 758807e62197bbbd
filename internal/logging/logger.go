// Package logging provides a small leveled wrapper around the standard
// library logger.
package logging

import (
	"log"

	"github.com/k0kubun/pp/v3"
)

// Level controls which severities are actually written.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger is a leveled logger. The zero value logs at INFO.
type Logger struct {
	level Level
}

// New creates a Logger at the given level. An unrecognized level falls
// back to INFO.
func New(level Level) *Logger {
	switch level {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return &Logger{level: level}
	default:
		return &Logger{level: LevelInfo}
	}
}

func (l *Logger) enabled(level Level) bool {
	order := map[Level]int{
		LevelTrace: 0,
		LevelDebug: 1,
		LevelInfo:  2,
		LevelWarn:  3,
		LevelError: 4,
	}
	current := l.level
	if current == "" {
		current = LevelInfo
	}
	return order[level] >= order[current]
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.enabled(LevelWarn) {
		log.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		log.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Trace pretty-prints v (via k0kubun/pp) alongside msg, only when the
// logger is at TRACE level. Meant for dumping decoded events/tuples
// during local debugging without drowning normal operation in noise.
func (l *Logger) Trace(msg string, v interface{}) {
	if l.enabled(LevelTrace) {
		log.Printf("[TRACE] %s: %s", msg, pp.Sprint(v))
	}
}
