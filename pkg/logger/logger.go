// Package logger provides component-scoped structured logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	level    = new(slog.LevelVar)
	format   = "text"
	output   io.Writer = os.Stderr
	instance = newSlog(os.Stderr, "text")
)

func newSlog(w io.Writer, f string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func toSlogLevel(l LogLevel) slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string onto a LogLevel. Unknown values fall back to INFO.
func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func SetLevel(l LogLevel) {
	level.Set(toSlogLevel(l))
}

// SetFormat switches between "text" and "json" output.
func SetFormat(f string) {
	f = strings.ToLower(strings.TrimSpace(f))
	if f != "json" {
		f = "text"
	}
	mu.Lock()
	defer mu.Unlock()
	format = f
	instance = newSlog(output, format)
}

func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	output = w
	instance = newSlog(output, format)
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

func log(l LogLevel, component, message string, fields map[string]interface{}) {
	args := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		args = append(args, "component", component)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	current().Log(context.Background(), toSlogLevel(l), message, args...)
}

func DebugC(component, message string) { log(DEBUG, component, message, nil) }
func InfoC(component, message string)  { log(INFO, component, message, nil) }
func WarnC(component, message string)  { log(WARN, component, message, nil) }
func ErrorC(component, message string) { log(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	log(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	log(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	log(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	log(ERROR, component, message, fields)
}
