package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level is a case-insensitive logging level name. Empty means INFO.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var zapLevels = map[Level]zapcore.Level{
	"":         zapcore.InfoLevel,
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// ParseLevel parses the logging level.
func ParseLevel(level string) (Level, error) {
	l := Level(strings.ToUpper(level))
	if err := l.Validate(); err != nil {
		return "", err
	}
	if l == "" {
		return LevelInfo, nil
	}
	return l, nil
}

// Validate validates whether this Level is valid.
func (l Level) Validate() error {
	if _, ok := zapLevels[Level(l.String())]; !ok {
		return fmt.Errorf("unknown log level: %s", string(l))
	}
	return nil
}

func (l Level) String() string { return strings.ToUpper(string(l)) }

func (l Level) toZapCoreLevel() (zapcore.Level, error) {
	zl, ok := zapLevels[Level(l.String())]
	if !ok {
		return zapcore.InfoLevel, fmt.Errorf("can't convert log level to zapcore.Level: %s", string(l))
	}
	return zl, nil
}

// toZapCoreLevel returns the effective level; Debug wins over Level.
func (c *Config) toZapCoreLevel() (zapcore.Level, error) {
	if c.Debug {
		return zapcore.DebugLevel, nil
	}
	return c.Level.toZapCoreLevel()
}
