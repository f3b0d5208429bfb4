package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// CallLog represents a single invocation log entry
type CallLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Target     string    `json:"target"`
	Method     string    `json:"method"`
	Transport  string    `json:"transport"`
	TaskID     string    `json:"task_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Args       int       `json:"args"`
}

// Logger handles call logging. The zero value is disabled.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console io.Writer
}

// NewLogger returns an enabled call logger writing human-readable lines to
// console when it is non-nil.
func NewLogger(console io.Writer) *Logger {
	return &Logger{enabled: true, console: console}
}

// SetOutput sets the JSON-lines log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Log writes a call log entry
func (l *Logger) Log(entry *CallLog) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console != nil {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		code := ""
		if entry.StatusCode != 0 {
			code = fmt.Sprintf(" [%d]", entry.StatusCode)
		}
		task := ""
		if entry.TaskID != "" {
			task = " [task:" + entry.TaskID + "]"
		}
		fmt.Fprintf(l.console, "[call] %s %s %s %s %dms%s%s\n",
			status, entry.Transport, entry.Method, entry.Target, entry.DurationMs, code, task)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[call]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
