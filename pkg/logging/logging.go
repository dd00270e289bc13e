package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger that writes to the rotating file described by
// config and, unless disabled, to stdout.
func NewLogger(config *Config) (*zap.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	level, err := config.toZapCoreLevel()
	if err != nil {
		return nil, fmt.Errorf("constructing log level: %w", err)
	}
	encoder := newEncoder(config)

	cores := []zapcore.Core{}
	if config.Filename != "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(&config.Logger), level))
	}
	if !config.DisableConsoleOutput {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if config.Rank != nil {
		logger = logger.With(zap.Int("rank", *config.Rank))
	}
	return logger, nil
}

// newEncoder picks a console encoder in debug mode and JSON otherwise.
func newEncoder(config *Config) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	if config.Debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if config.EncodeTimeAsRFC3339Nano {
		encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}

	if config.Debug {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// NewTestLogger returns a logrus backed logger writing to stderr.
func NewTestLogger() Interface {
	return ForLogrus(logrus.NewEntry(logrus.New()))
}
