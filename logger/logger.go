/*
The logger package wraps zerolog with the conventions used across this client:
child loggers are derived per component or per connection so that every log line
carries enough context to trace a single backend conversation.
*/
package logger

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Log lines are mirrored to each of these writers, wrapped in zerolog's
	// console formatting
	ConsoleWriters []io.Writer

	// If set, log to this file with rotation
	FilePath string
}

type Logger struct {
	logger zerolog.Logger
}

func New(config *Config) (*Logger, error) {
	if config == nil {
		return nil, fmt.Errorf("logger config must not be nil")
	}

	// Human-readable time stamps, sub-second resolution
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writers := []io.Writer{}

	if config.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	for _, consoleWriter := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        consoleWriter,
			TimeFormat: time.RFC3339,
		})
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	multiWriter := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multiWriter).With().Timestamp().Logger()

	return &Logger{logger: logger}, nil
}

func (l *Logger) AddClientVersion(version string) {
	l.logger = l.logger.With().Str("clientVersion", version).Logger()
}

func (l *Logger) AddClientId(clientId string) {
	l.logger = l.logger.With().Str("clientId", clientId).Logger()
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

func (l *Logger) GetConnectionLogger(id string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connection", id).Logger(),
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
