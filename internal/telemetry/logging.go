package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig — настройки логирования (секция logging конфигурации).
type LogConfig struct {
	// Level: DEBUG, INFO, WARN, ERROR (default: INFO).
	Level string

	// Format: json (default) или text.
	Format string

	// Output — куда писать (default: os.Stdout).
	Output io.Writer
}

// ParseLevel переводит строку в slog.Level. Неизвестное значение — INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger создаёт логгер по конфигурации.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// SetupLogger создаёт логгер и делает его глобальным.
func SetupLogger(cfg LogConfig, service string) *slog.Logger {
	logger := NewLogger(cfg).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithApplicationID возвращает логгер с application_id.
func WithApplicationID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("application_id", id)
}

// WithBatchID возвращает логгер с batch_id.
func WithBatchID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("batch_id", id)
}

// WithWorkerID возвращает логгер с worker_id.
func WithWorkerID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("worker_id", id)
}
