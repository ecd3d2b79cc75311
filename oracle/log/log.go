package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu       sync.RWMutex
	base     = newLogger(os.Stderr, true)
	logFile  *os.File
	logLevel = zerolog.InfoLevel
)

func newLogger(w io.Writer, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).With().Timestamp().Logger()
}

// InitLogger resets output to the console at info level.
func InitLogger() {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = newLogger(os.Stderr, true)
	logLevel = zerolog.InfoLevel
	zerolog.SetGlobalLevel(logLevel)
}

// SetOutput redirects all logs to w as JSON lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	base = newLogger(w, false)
}

// SetLevel accepts trace, debug, info, warn or error.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	logLevel = lvl
	mu.Unlock()
	zerolog.SetGlobalLevel(lvl)

	return nil
}

// ResetLogger moves output to <home>/logs/<binary>.<pid>.log.
func ResetLogger(oracleHome string) error {
	var dir string
	if oracleHome == "" {
		osHome, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(osHome, ".oracled", "logs")
	} else {
		dir = filepath.Join(oracleHome, "logs")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s.%d.log", filepath.Base(os.Args[0]), os.Getpid())
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	Infof("From now on, all logs will be written to %s", path)

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	base = newLogger(file, false)
	mu.Unlock()

	return nil
}

// Close releases the log file opened by ResetLogger, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
		base = newLogger(os.Stderr, true)
	}
}

// Logger returns the current zerolog logger for structured fields.
func Logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	l := base.Level(logLevel)
	return &l
}

// With starts a child logger carrying extra fields.
func With() zerolog.Context {
	return Logger().With()
}

func Debug(v ...any) {
	Logger().Debug().Msg(fmt.Sprint(v...))
}

func Debugf(format string, v ...any) {
	Logger().Debug().Msgf(format, v...)
}

func Info(v ...any) {
	Logger().Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	Logger().Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	Logger().Warn().Msgf(format, v...)
}

func Error(v ...any) {
	Logger().Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	Logger().Error().Msgf(format, v...)
}

func Fatal(v ...any) {
	Logger().Fatal().Msg(fmt.Sprint(v...))
}

func Fatalf(format string, v ...any) {
	Logger().Fatal().Msgf(format, v...)
}
