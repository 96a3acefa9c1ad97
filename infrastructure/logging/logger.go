// Package logging provides structured logging for the diagnostic backend,
// with per-ECU/trace context propagation and automatic redaction of
// security-access seed/key material.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sovd-project/sovd-server/infrastructure/redaction"
)

// ContextKey is the type for context keys carried through a request.
type ContextKey string

const (
	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ECUIDKey is the context key for the backend/ECU identifier a log line
	// pertains to (the per-ECU backend's configured id, or a gateway child id).
	ECUIDKey ContextKey = "ecu_id"
	// ServiceKey is the context key for the component name (uds, session,
	// flash, subscribe, gateway, httpapi, ...).
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with SOVD-specific structured fields.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)
	logger.AddHook(redactingHook{})

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using the LOG_LEVEL/LOG_FORMAT environment
// variables (the single verbosity knob named in the external interfaces).
// Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a logger entry enriched with trace/ECU context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if ecuID := ctx.Value(ECUIDKey); ecuID != nil {
		entry = entry.WithField("ecu_id", ecuID)
	}
	return entry
}

// WithFields creates a logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a logger entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger's output writer.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helpers

// NewTraceID generates a fresh trace/request correlation ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context, if any.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithECUID returns a context carrying the given backend/ECU id.
func WithECUID(ctx context.Context, ecuID string) context.Context {
	return context.WithValue(ctx, ECUIDKey, ecuID)
}

// GetECUID retrieves the backend/ECU id from the context, if any.
func GetECUID(ctx context.Context) string {
	if ecuID, ok := ctx.Value(ECUIDKey).(string); ok {
		return ecuID
	}
	return ""
}

// WithService returns a context carrying the given component name.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

// GetService retrieves the component name from the context, if any.
func GetService(ctx context.Context) string {
	if service, ok := ctx.Value(ServiceKey).(string); ok {
		return service
	}
	return ""
}

// Plain context-based logging methods, used where a full structured
// helper (LogNegativeResponse, LogFlashTransition, ...) does not apply.

// Info logs at INFO level with the given fields.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.mergeFields(ctx, fields).Info(message)
}

// Warn logs at WARN level with the given fields.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.mergeFields(ctx, fields).Warn(message)
}

// Debug logs at DEBUG level with the given fields.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.mergeFields(ctx, fields).Debug(message)
}

// Error logs at ERROR level, attaching err and the given fields.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.mergeFields(ctx, fields)
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry.Error(message)
}

func (l *Logger) mergeFields(ctx context.Context, fields map[string]interface{}) *logrus.Entry {
	entry := l.WithContext(ctx)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	return entry
}

// LogServiceCall logs an outbound call this process makes to another
// collaborator — a gateway calling a child backend, or the HTTP-proxy
// backend calling its upstream SOVD server.
func (l *Logger) LogServiceCall(ctx context.Context, target, operation string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"target":      target,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithField("error", err.Error()).Warn("service call failed")
		return
	}
	entry.Info("service call completed")
}

// LogPerformance logs a named measurement with arbitrary fields.
func (l *Logger) LogPerformance(ctx context.Context, operation string, fields map[string]interface{}) {
	entry := l.mergeFields(ctx, fields)
	entry.WithFields(logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}).Info("performance measurement")
}

// LogErrorWithStack logs an error at ERROR with a formatted stack summary
// field for triage.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	entry := l.mergeFields(ctx, fields)
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry = entry.WithField("stack", string(debug.Stack()))
	entry.Error(message)
}

// Fatal logs at FATAL level and exits the process.
func (l *Logger) Fatal(ctx context.Context, message string, fields map[string]interface{}) {
	l.mergeFields(ctx, fields).Fatal(message)
}

// Global default logger convenience functions.

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the package-level default logger, lazily creating an
// "unknown"-component logger from the environment if InitDefault was never
// called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("unknown")
	}
	return defaultLogger
}

// InfoDefault logs at INFO using the default logger.
func InfoDefault(ctx context.Context, message string) {
	Default().Info(ctx, message, nil)
}

// WarnDefault logs at WARN using the default logger.
func WarnDefault(ctx context.Context, message string) {
	Default().Warn(ctx, message, nil)
}

// DebugDefault logs at DEBUG using the default logger.
func DebugDefault(ctx context.Context, message string) {
	Default().Debug(ctx, message, nil)
}

// ErrorDefault logs at ERROR using the default logger.
func ErrorDefault(ctx context.Context, message string, err error) {
	Default().Error(ctx, message, err, nil)
}

// Domain-specific structured logging helpers (§7 error-handling design).

// LogNegativeResponse logs a UDS negative response at WARN, as required by
// §7: every negative response is logged regardless of whether it surfaces
// as an error to the caller (0x78 response-pending does not).
func (l *Logger) LogNegativeResponse(ctx context.Context, serviceID byte, nrc byte, message string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"service_id": fmt.Sprintf("0x%02X", serviceID),
		"nrc":        fmt.Sprintf("0x%02X", nrc),
	}).Warn(message)
}

// LogTransportError logs a transport failure at ERROR per §7.
func (l *Logger) LogTransportError(ctx context.Context, err error) {
	l.WithContext(ctx).WithError(err).Error("transport error")
}

// LogFlashTransition logs a flash-engine state transition.
func (l *Logger) LogFlashTransition(ctx context.Context, transferID string, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"transfer_id": transferID,
		"from":        from,
		"to":          to,
	}).Info("flash transfer state transition")
}

// LogKeepaliveFailure logs a keepalive (tester-present) failure that forces
// the session manager back to {Default, locked}.
func (l *Logger) LogKeepaliveFailure(ctx context.Context, err error) {
	l.WithContext(ctx).WithError(err).Warn("keepalive failed, session invalidated")
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// redactingHook strips values from any field whose name looks like it might
// carry security-access seed/key material before the entry is formatted.
// §7: "no secrets (seeds/keys) appear in logs".
type redactingHook struct{}

func (redactingHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactingHook) Fire(entry *logrus.Entry) error {
	if len(entry.Data) == 0 {
		return nil
	}
	redacted := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		redacted[k] = v
	}
	generic := make(map[string]interface{}, len(redacted))
	for k, v := range redacted {
		generic[k] = v
	}
	scrubbed := redaction.RedactMap(generic)
	for k, v := range scrubbed {
		entry.Data[k] = v
	}
	return nil
}

// FormatDuration formats a duration as milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
