package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// "goroutine 123 [running]:" fits comfortably.
	stackBufSize = 32
	// len("goroutine ")
	goroutinePrefixLen = 10
	minStackTraceLen   = 12
)

var (
	Logger    zerolog.Logger
	stackPool = sync.Pool{New: func() any { return make([]byte, stackBufSize) }}
)

// goroutineID reads the current goroutine id from the first stack line.
func goroutineID() string {
	buf, ok := stackPool.Get().([]byte)
	if !ok {
		return "unknown"
	}
	defer stackPool.Put(buf) //nolint:staticcheck // slice header copy is fine here

	n := runtime.Stack(buf, false)
	if n < minStackTraceLen {
		return "unknown"
	}

	end := goroutinePrefixLen
	for end < n && buf[end] >= '0' && buf[end] <= '9' {
		end++
	}
	if end == goroutinePrefixLen {
		return "unknown"
	}
	return string(buf[goroutinePrefixLen:end])
}

func goroutineHook() zerolog.Hook {
	return zerolog.HookFunc(func(e *zerolog.Event, _ zerolog.Level, _ string) {
		e.Str("goid", goroutineID())
	})
}

// New builds a logger writing to w with the goroutine hook attached.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(goroutineHook())
}

func init() {
	Logger = New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.InfoLevel)
	log.Logger = Logger
}

// Configure sets the level and switches between console and JSON output.
func Configure(level string, pretty bool) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	Logger = New(out, parsed)
	log.Logger = Logger
	return nil
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}

func Info() *zerolog.Event {
	return Logger.Info()
}

func Error() *zerolog.Event {
	return Logger.Error()
}

func Warn() *zerolog.Event {
	return Logger.Warn()
}

func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal logs and exits the process.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// Retryable adapts the package logger to retryablehttp.LeveledLogger.
type Retryable struct{}

func (Retryable) Error(msg string, keysAndValues ...any) {
	withFields(Logger.Error(), keysAndValues).Msg(msg)
}

func (Retryable) Info(msg string, keysAndValues ...any) {
	withFields(Logger.Debug(), keysAndValues).Msg(msg)
}

func (Retryable) Debug(msg string, keysAndValues ...any) {
	withFields(Logger.Debug(), keysAndValues).Msg(msg)
}

func (Retryable) Warn(msg string, keysAndValues ...any) {
	withFields(Logger.Warn(), keysAndValues).Msg(msg)
}

func withFields(e *zerolog.Event, keysAndValues []any) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		e = e.Interface(key, keysAndValues[i+1])
	}
	return e
}
