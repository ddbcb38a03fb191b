// Package logging provides the main rotating log file and the optional
// component-filtered debug log.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOptions controls log file rotation. Zero values use lumberjack's
// defaults (100 MB, keep everything).
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileLogger writes timestamped log lines to a rotating file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	out    *lumberjack.Logger
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a logger appending to path with default rotation.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, RotateOptions{})
}

// NewRotatingFileLogger creates a logger appending to path. The file is
// opened once up front so that an unusable path fails here instead of on the
// first write.
func NewRotatingFileLogger(path string, opts RotateOptions) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	return &FileLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
	}, nil
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.out, "%s %s\n", timestamp, fmt.Sprintf(format, args...))
}

// Writer exposes the underlying rotating writer, e.g. for the HTTP server
// error log.
func (l *FileLogger) Writer() io.Writer {
	return l.out
}

// Rotate closes the current file and starts a new one.
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.out.Rotate()
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.out.Close()
}
