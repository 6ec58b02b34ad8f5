package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]level{
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// Logger provides structured logging
type Logger struct {
	min    level
	format string
	output io.Writer
}

// NewLogger creates a new logger writing to the named output ("stdout",
// "stderr" or a file path)
func NewLogger(levelName, format, output string) *Logger {
	var w io.Writer
	switch output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Failed to open log file %s: %v, using stdout", output, err)
			w = os.Stdout
		} else {
			w = file
		}
	}

	min, ok := levelNames[levelName]
	if !ok {
		min = levelInfo
	}

	return &Logger{min: min, format: format, output: w}
}

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(lvl level, name, message string, fields map[string]interface{}) {
	if lvl < l.min {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     name,
		Message:   message,
		Fields:    fields,
	}

	if l.format == "json" {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	fieldStr := ""
	if len(fields) > 0 {
		fieldStr = fmt.Sprintf(" %+v", fields)
	}
	fmt.Fprintf(l.output, "[%s] %s: %s%s\n", entry.Timestamp, name, message, fieldStr)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(levelDebug, "debug", message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(levelInfo, "info", message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(levelWarn, "warn", message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.log(levelError, "error", message, fields)
}
