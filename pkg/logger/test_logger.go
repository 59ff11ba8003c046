package logger

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TestLogger captures log messages in memory so tests can assert on them
type TestLogger struct {
	mu       sync.Mutex
	messages []LogMessage
}

// LogMessage represents a captured log message
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
	Error   error
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

func (l *TestLogger) entry() *testEntry {
	return &testEntry{sink: l}
}

func (l *TestLogger) Debug(msg string) { l.entry().Debug(msg) }
func (l *TestLogger) Info(msg string)  { l.entry().Info(msg) }
func (l *TestLogger) Warn(msg string)  { l.entry().Warn(msg) }
func (l *TestLogger) Error(msg string) { l.entry().Error(msg) }
func (l *TestLogger) Fatal(msg string) { l.entry().Fatal(msg) }

func (l *TestLogger) WithField(key string, value interface{}) Logger {
	return l.entry().WithField(key, value)
}
func (l *TestLogger) WithFields(fields map[string]interface{}) Logger {
	return l.entry().WithFields(fields)
}
func (l *TestLogger) WithError(err error) Logger             { return l.entry().WithError(err) }
func (l *TestLogger) WithContext(ctx context.Context) Logger { return l }

func (l *TestLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.entry().DebugWithFields(msg, fields)
}
func (l *TestLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.entry().InfoWithFields(msg, fields)
}
func (l *TestLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.entry().WarnWithFields(msg, fields)
}
func (l *TestLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.entry().ErrorWithFields(msg, fields)
}

func (l *TestLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}

func (l *TestLogger) record(msg LogMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// GetMessages returns a copy of all captured messages
func (l *TestLogger) GetMessages() []LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages := make([]LogMessage, len(l.messages))
	copy(messages, l.messages)
	return messages
}

// GetMessagesByLevel returns all messages of a specific level
func (l *TestLogger) GetMessagesByLevel(level string) []LogMessage {
	var filtered []LogMessage
	for _, msg := range l.GetMessages() {
		if msg.Level == level {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// HasMessage checks if a message with the given text was logged
func (l *TestLogger) HasMessage(text string) bool {
	for _, msg := range l.GetMessages() {
		if msg.Message == text {
			return true
		}
	}
	return false
}

// Clear drops all captured messages
func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

// testEntry carries accumulated fields for a TestLogger
type testEntry struct {
	sink   *TestLogger
	fields map[string]interface{}
	err    error
}

func (e *testEntry) log(level, msg string, extra map[string]interface{}) {
	e.sink.record(LogMessage{Level: level, Message: msg, Fields: e.merge(extra), Error: e.err})
}

func (e *testEntry) merge(extra map[string]interface{}) map[string]interface{} {
	if len(e.fields) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(e.fields)+len(extra))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (e *testEntry) Debug(msg string) { e.log("DEBUG", msg, nil) }
func (e *testEntry) Info(msg string)  { e.log("INFO", msg, nil) }
func (e *testEntry) Warn(msg string)  { e.log("WARN", msg, nil) }
func (e *testEntry) Error(msg string) { e.log("ERROR", msg, nil) }
func (e *testEntry) Fatal(msg string) { e.log("FATAL", msg, nil) }

func (e *testEntry) WithField(key string, value interface{}) Logger {
	return e.WithFields(map[string]interface{}{key: value})
}
func (e *testEntry) WithFields(fields map[string]interface{}) Logger {
	return &testEntry{sink: e.sink, fields: e.merge(fields), err: e.err}
}
func (e *testEntry) WithError(err error) Logger {
	return &testEntry{sink: e.sink, fields: e.fields, err: err}
}
func (e *testEntry) WithContext(ctx context.Context) Logger { return e }

func (e *testEntry) DebugWithFields(msg string, f map[string]interface{}) { e.log("DEBUG", msg, f) }
func (e *testEntry) InfoWithFields(msg string, f map[string]interface{})  { e.log("INFO", msg, f) }
func (e *testEntry) WarnWithFields(msg string, f map[string]interface{})  { e.log("WARN", msg, f) }
func (e *testEntry) ErrorWithFields(msg string, f map[string]interface{}) { e.log("ERROR", msg, f) }

func (e *testEntry) GetZerolog() *zerolog.Logger { return e.sink.GetZerolog() }
