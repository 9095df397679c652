package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LevelTrace is more verbose than Debug, used to log every delivered event.
const LevelTrace slog.Level = slog.LevelDebug - 4

/*
LogConfiguration describes the logger to build. Zero value is valid and
results in INFO level text logger writing into stderr.

The struct is decoded from the logger configuration YAML file and then
individual fields are overridden by command line flags.
*/
type LogConfiguration struct {
	Level      string `yaml:"defaultLevel"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	// format string for the timestamp, "none" drops the timestamp,
	// empty string uses the handler default
	TimeFormat string `yaml:"timeFormat"`
	AddSource  bool   `yaml:"addSource"`

	// when set OutputPath is ignored
	writer io.Writer
}

/*
WithWriter sets the output of the logger, OutputPath is ignored when writer
is assigned.
*/
func (cfg *LogConfiguration) WithWriter(w io.Writer) *LogConfiguration {
	cfg.writer = w
	return cfg
}

// New builds logger based on configuration "cfg".
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	h, err := cfg.Handler()
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// Handler returns slog handler according to the configuration.
func (cfg *LogConfiguration) Handler() (slog.Handler, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out, err := cfg.output()
	if err != nil {
		return nil, fmt.Errorf("creating log output: %w", err)
	}

	opt := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: cfg.AddSource,
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opt.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatLevelAttr, formatDataAttrAsJSON)
		return slog.NewTextHandler(out, opt), nil
	case "json":
		opt.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatLevelAttr)
		return slog.NewJSONHandler(out, opt), nil
	case "ecs":
		opt.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatLevelAttr, formatAttrECS)
		return slog.NewJSONHandler(out, opt), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) output() (io.Writer, error) {
	if cfg.writer != nil {
		return cfg.writer, nil
	}
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
			return nil, fmt.Errorf("creating directory for log file: %w", err)
		}
		f, err := os.OpenFile(filepath.Clean(cfg.OutputPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		return f, nil
	}
}

/*
ParseLevel converts level name to slog.Level. In addition to the names
slog understands "trace" is supported. Empty string means INFO.
*/
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
