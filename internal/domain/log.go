package domain

import "time"

// LogLevel is the severity of a broadcast log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is a progress message pushed to observers.
type LogEntry struct {
	Message   string   `json:"message"`
	Done      bool     `json:"done"`
	Timestamp string   `json:"timestamp"` // ISO-8601
	Level     LogLevel `json:"level"`
}

// NewLogEntry builds an entry stamped with now.
func NewLogEntry(now time.Time, level LogLevel, done bool, message string) LogEntry {
	return LogEntry{
		Message:   message,
		Done:      done,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Level:     level,
	}
}
