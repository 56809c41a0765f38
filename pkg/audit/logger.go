// Package audit — backends: stdout, file, and no-op. Both real backends
// write the same JSON-lines shape through encodeLine, with method exclusion
// and field masking applied before anything touches the sink.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gati-run/gati/pkg/logger"
)

// prepare применяет исключения и маскирование к записи перед сериализацией.
// Возвращает nil, если запись исключена целиком.
func prepare(entry *Entry, cfg *Config) *Entry {
	for _, excluded := range cfg.ExcludeMethods {
		if entry.Method == excluded {
			return nil
		}
	}
	if len(cfg.MaskFields) == 0 || len(entry.Metadata) == 0 {
		return entry
	}

	masked := *entry
	masked.Metadata = make(map[string]any, len(entry.Metadata))
	for k, v := range entry.Metadata {
		masked.Metadata[k] = v
		for _, field := range cfg.MaskFields {
			if strings.EqualFold(k, field) {
				masked.Metadata[k] = "***"
				break
			}
		}
	}
	return &masked
}

// encodeLine сериализует запись в одну JSON-строку.
func encodeLine(entry *Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// StdoutLogger пишет записи аудита в stdout (или подставной writer в тестах).
type StdoutLogger struct {
	config *Config
	mu     sync.Mutex
	out    io.Writer
}

// NewStdoutLogger creates and returns a new StdoutLogger.
func NewStdoutLogger(cfg *Config) *StdoutLogger {
	return &StdoutLogger{config: cfg, out: os.Stdout}
}

// Log реализует Logger.
func (l *StdoutLogger) Log(_ context.Context, entry *Entry) error {
	if !l.config.Enabled {
		return nil
	}
	entry = prepare(entry, l.config)
	if entry == nil {
		return nil
	}

	line, err := encodeLine(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintf(l.out, "[AUDIT] %s", line)
	return err
}

// Query не поддерживается stdout-бэкендом.
func (l *StdoutLogger) Query(context.Context, *QueryFilter) ([]*Entry, error) {
	return nil, fmt.Errorf("query not supported for stdout logger")
}

// Close реализует Logger.
func (l *StdoutLogger) Close() error { return nil }

// FileLogger пишет JSON-lines в файл. Записи идут через буферизованный
// канал в единственную пишущую горутину; переполненный буфер пишет
// синхронно, чтобы не терять след решений.
type FileLogger struct {
	config *Config
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	queue  chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFileLogger открывает файл и запускает пишущую горутину.
func NewFileLogger(cfg *Config) (*FileLogger, error) {
	path := cfg.FilePath
	if path == "" {
		path = "audit.log"
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}

	l := &FileLogger{
		config: cfg,
		file:   file,
		writer: bufio.NewWriter(file),
		queue:  make(chan *Entry, size),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Log реализует Logger.
func (l *FileLogger) Log(_ context.Context, entry *Entry) error {
	if !l.config.Enabled {
		return nil
	}
	entry = prepare(entry, l.config)
	if entry == nil {
		return nil
	}

	select {
	case l.queue <- entry:
		return nil
	default:
		// Очередь полна: пишем синхронно, след важнее задержки.
		return l.write(entry)
	}
}

// Query не реализован для файлового бэкенда.
func (l *FileLogger) Query(context.Context, *QueryFilter) ([]*Entry, error) {
	return nil, fmt.Errorf("query not implemented for file logger")
}

// Close останавливает пишущую горутину, дописывает хвост очереди и
// закрывает файл.
func (l *FileLogger) Close() error {
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		select {
		case entry := <-l.queue:
			if err := l.writeLocked(entry); err != nil {
				logger.Log.Warn("Failed to write audit entry during shutdown", "error", err)
			}
		default:
			if err := l.writer.Flush(); err != nil {
				logger.Log.Warn("Failed to flush audit writer", "error", err)
			}
			return l.file.Close()
		}
	}
}

// writeLoop — единственный фоновый писатель с периодическим flush.
func (l *FileLogger) writeLoop() {
	defer l.wg.Done()

	period := l.config.FlushPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case entry := <-l.queue:
			if err := l.write(entry); err != nil {
				logger.Log.Warn("Failed to write audit entry", "error", err)
			}
		case <-ticker.C:
			l.mu.Lock()
			if err := l.writer.Flush(); err != nil {
				logger.Log.Warn("Failed to flush audit writer", "error", err)
			}
			l.mu.Unlock()
		}
	}
}

func (l *FileLogger) write(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(entry)
}

func (l *FileLogger) writeLocked(entry *Entry) error {
	line, err := encodeLine(entry)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(line)
	return err
}

// New выбирает бэкенд по конфигурации; выключенный аудит — NoopLogger.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &NoopLogger{}, nil
	}

	switch cfg.Backend {
	case "file":
		return NewFileLogger(cfg)
	case "stdout", "":
		return NewStdoutLogger(cfg), nil
	default:
		logger.Log.Warn("Unknown audit backend, using stdout", "backend", cfg.Backend)
		return NewStdoutLogger(cfg), nil
	}
}

// NoopLogger — бэкенд-заглушка для выключенного аудита.
type NoopLogger struct{}

// Log реализует Logger.
func (l *NoopLogger) Log(context.Context, *Entry) error { return nil }

// Query реализует Logger.
func (l *NoopLogger) Query(context.Context, *QueryFilter) ([]*Entry, error) { return nil, nil }

// Close реализует Logger.
func (l *NoopLogger) Close() error { return nil }

// globalLogger — процессный логгер аудита по умолчанию.
var globalLogger Logger = &NoopLogger{}

var globalMu sync.RWMutex

// SetGlobal sets the global audit logger instance.
func SetGlobal(l Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Get returns the current global audit logger instance.
func Get() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Log records an audit entry using the global audit logger.
func Log(ctx context.Context, entry *Entry) error {
	return Get().Log(ctx, entry)
}
