package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogRequest logs a served client request at a level derived from its status
func LogRequest(l Logger, method, path string, status int, duration time.Duration) {
	fields := map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": status,
		"duration":    duration,
	}

	switch {
	case status >= 500:
		l.ErrorWithFields("request failed", fields)
	case status >= 400:
		l.WarnWithFields("request rejected", fields)
	default:
		l.DebugWithFields("request served", fields)
	}
}

// LogFetchAttempt logs a failed upstream attempt before the next retry
func LogFetchAttempt(l Logger, locator, identity string, attempt int, err error) {
	l.WithError(err).WarnWithFields("upstream attempt failed", map[string]interface{}{
		"locator":  locator,
		"identity": identity,
		"attempt":  attempt,
	})
}

// LogRenewal logs the outcome of a circuit renewal request
func LogRenewal(l Logger, identity string, err error) {
	if err != nil {
		l.WithError(err).WarnWithFields("circuit renewal failed", map[string]interface{}{
			"identity": identity,
		})
		return
	}
	l.InfoWithFields("circuit renewed", map[string]interface{}{
		"identity": identity,
	})
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, settings map[string]interface{}) {
	l = l.WithField("component", component)
	if len(settings) > 0 {
		l = l.WithFields(settings)
	}
	l.Info("component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component, reason string) {
	l.WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("component stopped")
}

// NewNopLogger creates a no-operation logger
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}
