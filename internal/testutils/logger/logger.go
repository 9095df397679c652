package logger

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/neilotoole/slogt"

	"github.com/alphabill-org/gpbft/logger"
)

/*
New returns logger for test t on debug level. Output goes through t.Log so
it is shown only for failing tests (or with -v flag).

Level can be changed with env var GPBFT_TEST_LOG_LEVEL.
*/
func New(t testing.TB) *slog.Logger {
	lvl := slog.LevelDebug
	if s := os.Getenv("GPBFT_TEST_LOG_LEVEL"); s != "" {
		var err error
		if lvl, err = logger.ParseLevel(s); err != nil {
			t.Fatalf("invalid GPBFT_TEST_LOG_LEVEL: %v", err)
		}
	}
	return NewLvl(t, lvl)
}

// NewLvl returns logger for test t on given level.
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	return slogt.New(t, slogt.Factory(func(w io.Writer) slog.Handler {
		cfg := &logger.LogConfiguration{Level: level.String(), TimeFormat: "15:04:05.0000"}
		h, err := cfg.WithWriter(w).Handler()
		if err != nil {
			t.Fatalf("creating log handler: %v", err)
		}
		return h
	}))
}

/*
NOP returns logger which discards all the output. Use it for tests for which
it absolutely doesn't make sense to create any logs.
*/
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// LoggerBuilder returns logger factory for CLI tests, the configuration is ignored.
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) { return New(t), nil }
}
