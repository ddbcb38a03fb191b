package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose trace output to a dedicated file. It is meant for
// following individual tag updates, rule evaluations and cascade steps when
// troubleshooting, and is off unless enabled at startup.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Component filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Components that emit debug output. Filter names are matched against these.
var knownComponents = []string{
	"admission",
	"rule",
	"rulebuffer",
	"supervision",
	"alive",
	"tagstore",
	"engine",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"debug",
}

// related expands a filter entry to the components that usually need to be
// read together with it.
var related = map[string][]string{
	"rule":        {"rulebuffer"},
	"supervision": {"alive"},
	"publish":     {"mqtt", "kafka", "valkey"},
}

// KnownComponents returns the component names accepted by SetFilter.
func KnownComponents() []string {
	out := make([]string, len(knownComponents))
	copy(out, knownComponents)
	return out
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated at the start of each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts output to a comma separated list of components.
// Empty or "all" logs everything. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	filter = strings.TrimSpace(strings.ToLower(filter))
	if filter == "" || filter == "all" {
		return
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		l.filters[c] = true
		for _, r := range related[c] {
			l.filters[r] = true
		}
	}

	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for c := range l.filters {
			names = append(names, c)
		}
		sort.Strings(names)
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for components: %s\n",
			timestamp, strings.Join(names, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(component string) bool {
	if len(l.filters) == 0 {
		return true
	}
	c := strings.ToLower(component)
	return l.filters[c] || c == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and component prefix.
func (l *DebugLogger) Log(component, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(component) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, component, fmt.Sprintf(format, args...))
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(component, context string, err error) {
	l.Log(component, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)
	return l.file.Close()
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(component, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(component, format, args...)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(component, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(component, context, err)
	}
}
