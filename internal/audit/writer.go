package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer writes audit events to a destination.
type Writer interface {
	Write(event *Event) error
	Close() error
}

// stdoutWriter writes events to stdout as JSON lines.
type stdoutWriter struct {
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewStdoutWriter creates a stdout writer.
func NewStdoutWriter() Writer {
	return &stdoutWriter{encoder: json.NewEncoder(os.Stdout)}
}

func (w *stdoutWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(event)
}

func (w *stdoutWriter) Close() error { return nil }

// fileWriter writes events to a rotated log file.
type fileWriter struct {
	logger  *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileWriter creates a file writer with size/age-based rotation.
func NewFileWriter(filename string, maxSizeMB, maxAgeDays, maxBackups int) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true,
	}
	return &fileWriter{logger: logger, encoder: json.NewEncoder(logger)}, nil
}

func (w *fileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(event)
}

func (w *fileWriter) Close() error { return w.logger.Close() }
