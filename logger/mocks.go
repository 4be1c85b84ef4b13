package logger

import (
	"io"
)

func MockLogger(writers ...io.Writer) *Logger {
	config := &Config{
		ConsoleWriters: writers,
	}

	if logger, err := New(config); err == nil {
		return logger
	}
	return nil
}
