// Package logger is the process-wide structured logger. Output is JSON on
// stdout, or OpenTelemetry logs over OTLP/gRPC when OTEL_ENABLED=true.
// Error and warning counters feed the monitoring API and are incremented
// even when sampling suppresses the log line.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

const defaultServiceName = "loyaltyrules"

// Options configures Setup.
type Options struct {
	Level slog.Level
	// SampleRate logs 1 out of every SampleRate sampled errors and warnings.
	SampleRate int
	OTEL       bool
	// ServiceName identifies the process in OTEL resources.
	ServiceName string
	// Output receives JSON logs. Defaults to os.Stdout.
	Output io.Writer
}

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
)

// Counters are always incremented, regardless of sampling.
var (
	TotalErrors       atomic.Int64
	TotalWarnings     atomic.Int64
	Total5xxErrors    atomic.Int64
	Total4xxErrors    atomic.Int64
	Total400Errors    atomic.Int64
	Total404Errors    atomic.Int64
	Total409Errors    atomic.Int64
	Total422Errors    atomic.Int64
	DroppedEvents     atomic.Int64
	ExhaustedEvents   atomic.Int64
	FailedWebhooks    atomic.Int64
	ConditionWarnings atomic.Int64
)

func init() {
	if err := Setup(OptionsFromEnv(os.LookupEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up OTEL logging, falling back to JSON: %v\n", err)
	}
}

// OptionsFromEnv reads LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED and
// OTEL_SERVICE_NAME. Unparseable values keep their defaults.
func OptionsFromEnv(lookup func(string) (string, bool)) Options {
	opts := Options{Level: LevelInfo, SampleRate: 1, ServiceName: defaultServiceName}

	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		if level, err := ParseLevel(v); err == nil {
			opts.Level = level
		}
	}
	if v, ok := lookup("ERROR_SAMPLE_RATE"); ok && v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			opts.SampleRate = rate
		}
	}
	if v, ok := lookup("OTEL_ENABLED"); ok {
		opts.OTEL = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("OTEL_SERVICE_NAME"); ok && v != "" {
		opts.ServiceName = v
	}
	return opts
}

// Setup replaces the process logger. When OTEL setup fails the JSON handler
// is installed and the error returned.
func Setup(opts Options) error {
	programLevel.Set(opts.Level)
	if opts.SampleRate < 1 {
		opts.SampleRate = 1
	}
	sampleRate.Store(int32(opts.SampleRate))
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	if opts.OTEL {
		if opts.ServiceName == "" {
			opts.ServiceName = defaultServiceName
		}
		shutdown, err := setupOTEL(context.Background(), opts.ServiceName)
		if err == nil {
			shutdownFunc = shutdown
			return nil
		}
		install(slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: programLevel}))
		return err
	}

	install(slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: programLevel}))
	return nil
}

func install(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

func setupOTEL(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	install(&levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	})
	return provider.Shutdown, nil
}

// levelHandler applies programLevel to handlers that have no level option.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter. It is a no-op for JSON logging.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name such as "info" or "WARNING".
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn is sampled.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error is sampled.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes OTEL and exits with status 1.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// ErrorHttp5xx counts a server error response. The handler logs the cause.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a client error response.
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	case 409:
		Total409Errors.Add(1)
	case 422:
		Total422Errors.Add(1)
	}
}

// ErrorDroppedEvent records an event that was acknowledged without processing
// because it could not be decoded. Never sampled.
func ErrorDroppedEvent(msg string, args ...any) {
	DroppedEvents.Add(1)
	TotalErrors.Add(1)
	Logger.Error(msg, args...)
}

// ErrorExhaustedEvent records an event that exceeded its retry budget. Never sampled.
func ErrorExhaustedEvent(msg string, args ...any) {
	ExhaustedEvents.Add(1)
	TotalErrors.Add(1)
	Logger.Error(msg, args...)
}

// ErrorWebhookFailed records a webhook delivery that ran out of attempts. Never sampled.
func ErrorWebhookFailed(msg string, args ...any) {
	FailedWebhooks.Add(1)
	TotalErrors.Add(1)
	Logger.Error(msg, args...)
}

// WarnCondition logs an evaluator anomaly (unknown leaf, bad operand) with sampling.
func WarnCondition(msg string, args ...any) {
	ConditionWarnings.Add(1)
	Warn(msg, args...)
}

// Snapshot returns the current counter values keyed by name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"errors":             TotalErrors.Load(),
		"warnings":           TotalWarnings.Load(),
		"http_5xx":           Total5xxErrors.Load(),
		"http_4xx":           Total4xxErrors.Load(),
		"http_400":           Total400Errors.Load(),
		"http_404":           Total404Errors.Load(),
		"http_409":           Total409Errors.Load(),
		"http_422":           Total422Errors.Load(),
		"dropped_events":     DroppedEvents.Load(),
		"exhausted_events":   ExhaustedEvents.Load(),
		"failed_webhooks":    FailedWebhooks.Load(),
		"condition_warnings": ConditionWarnings.Load(),
	}
}
