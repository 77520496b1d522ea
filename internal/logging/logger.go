// Package logging provides structured logging for the go-lockstep project
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with barrier-specific structured fields
type Logger struct {
	zlog zerolog.Logger
	path *string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel converts a level name ("debug", "info", "warn", "error") into a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return LevelInfo, err
	}
	switch lvl {
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return LogLevel(lvl), nil
	}
	return LevelInfo, fmt.Errorf("unsupported log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter wraps an io.Writer with an async buffered channel
// so logging never stalls a participant that peers are spinning on
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// Make a copy since p might be reused
	msg := make([]byte, len(p))
	copy(msg, p)

	// Non-blocking write - drop if buffer full
	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	// Use async writer unless Sync mode is enabled
	var output io.Writer = config.Output
	if output == nil {
		output = os.Stderr
	}
	if !config.Sync {
		output = newAsyncWriter(output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	zlog = zlog.Level(zerolog.Level(config.Level))

	return &Logger{
		zlog: zlog,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithBarrier returns a logger with the backing file path as context
func (l *Logger) WithBarrier(path string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("barrier", path).Logger(),
		path: &path,
	}
}

// WithRole returns a logger with participant role context
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("role", role).Logger(),
		path: l.path,
	}
}

// WithCycle returns a logger with cycle context
func (l *Logger) WithCycle(cycle uint64) *Logger {
	return &Logger{
		zlog: l.zlog.With().Uint64("cycle", cycle).Logger(),
		path: l.path,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog: l.zlog.With().Err(err).Logger(),
		path: l.path,
	}
}

// Bootstrap lifecycle logging

// BootstrapStart logs the beginning of an open as the given role
func (l *Logger) BootstrapStart(role string, numProcesses uint32) {
	l.zlog.Debug().Str("role", role).Uint32("num_processes", numProcesses).Msg("barrier bootstrap starting")
}

// BootstrapSuccess logs a completed open
func (l *Logger) BootstrapSuccess(role string, latencyUs int64) {
	l.zlog.Info().Str("role", role).Int64("latency_us", latencyUs).Msg("barrier bootstrap succeeded")
}

// BootstrapError logs a failed open
func (l *Logger) BootstrapError(role string, err error) {
	l.zlog.Error().Str("role", role).Err(err).Msg("barrier bootstrap failed")
}

// Standard logging methods
func (l *Logger) Debug(msg string, args ...any) {
	l.event(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.event(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.event(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.event(l.zlog.Error(), args).Msg(msg)
}

// event attaches key/value pairs; a trailing key without a value is dropped
func (l *Logger) event(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

// Context-aware logging; the context is handed to zerolog hooks
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.event(l.zlog.Debug().Ctx(ctx), args).Msg(msg)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.event(l.zlog.Info().Ctx(ctx), args).Msg(msg)
}

// Debugf logs at debug level
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

// Printf logs at info level
func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}
