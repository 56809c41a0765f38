// Package logger — общий slog-логгер рантайма. Каждая строка запроса
// должна нести request_id/trace_id/client_id, поэтому пакет отдаёт
// Correlated: готовый дочерний логгер со всеми тремя идентификаторами.
// Local Context строит такой же дочерний логгер сам, от своего базового.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log — процессный логгер. Init* заменяет его целиком; компоненты держат
// дочерние логгеры и не замечают замену.
var Log *slog.Logger

// Config конфигурация логгера
type Config struct {
	Level      string
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Init инициализирует логгер с JSON-выводом в stdout.
func Init(level string) {
	InitWithConfig(Config{Level: level, Format: "json", Output: "stdout"})
}

// InitWithConfig инициализирует логгер по полной конфигурации.
func InitWithConfig(cfg Config) {
	Log = slog.New(buildHandler(cfg))
}

// buildHandler собирает slog.Handler: уровень, формат и назначение вывода.
func buildHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: parseLevel(cfg.Level) == slog.LevelDebug,
	}

	writer := resolveWriter(cfg)
	if cfg.Format == "text" {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

// parseLevel переводит строку конфигурации в slog.Level; неизвестное
// значение трактуется как info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveWriter выбирает, куда писать; file-вывод через lumberjack с
// ротацией, при недоступной директории откат на stdout.
func resolveWriter(cfg Config) io.Writer {
	switch cfg.Output {
	case "stderr":
		return os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/gati.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		return os.Stdout
	}
}

// Correlated возвращает дочерний логгер, помеченный всеми тремя
// идентификаторами конверта.
func Correlated(requestID, traceID, clientID string) *slog.Logger {
	return Log.With(
		"request_id", requestID,
		"trace_id", traceID,
		"client_id", clientID,
	)
}

// WithContext добавляет произвольные атрибуты
func WithContext(_ context.Context, args ...any) *slog.Logger {
	return Log.With(args...)
}

// WithRequestID добавляет request ID конверта
func WithRequestID(requestID string) *slog.Logger {
	return Log.With("request_id", requestID)
}

// WithTraceID добавляет trace ID порожденного OpenTelemetry спана.
func WithTraceID(traceID string) *slog.Logger {
	return Log.With("trace_id", traceID)
}

// WithClientID добавляет идентификатор клиента, прошедшего admission.
func WithClientID(clientID string) *slog.Logger {
	return Log.With("client_id", clientID)
}

// WithService добавляет имя компонента (route-manager, ingress, ...)
func WithService(service string) *slog.Logger {
	return Log.With("service", service)
}

// Debug логирует debug сообщение
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info логирует info сообщение
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn логирует warning сообщение
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error логирует error сообщение
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}

// Fatal логирует сообщение и завершает процесс с ненулевым кодом;
// только для ошибок старта, по контракту launcher-а.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
