package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv overrides the configured level when set.
const LogLevelEnv = "SPIKESHIELD_LOG_LEVEL"

var (
	loggerMu sync.RWMutex
	logger   zerolog.Logger
	out      io.Writer = os.Stdout
	level              = zerolog.InfoLevel
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	if env := os.Getenv(LogLevelEnv); env != "" {
		level = ParseLevel(env)
	}
	rebuild()
}

func rebuild() {
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// SetLevel applies a textual level; the environment variable wins when set.
func SetLevel(s string) {
	if env := os.Getenv(LogLevelEnv); env != "" {
		s = env
	}
	loggerMu.Lock()
	level = ParseLevel(s)
	rebuild()
	loggerMu.Unlock()
}

// SetOutput redirects all subsequently created loggers and returns a restore
// function. Intended for tests.
func SetOutput(w io.Writer) func() {
	loggerMu.Lock()
	prev := out
	out = w
	rebuild()
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		out = prev
		rebuild()
		loggerMu.Unlock()
	}
}

// ParseLevel maps debug|info|warn|error to zerolog levels, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
