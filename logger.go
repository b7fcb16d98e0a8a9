package sqlguard

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, console or auto
	Component string `yaml:"component"`
	FilePath  string `yaml:"file"` // optional, appended to
}

var isTerminalFn = term.IsTerminal

// NewLogger builds a zerolog logger writing to stderr and, when configured,
// to a log file. The returned closer releases the file and is never nil.
func NewLogger(cfg LogConfig) (zerolog.Logger, io.Closer, error) {
	var writer io.Writer = selectWriter(cfg.Format, os.Stderr)
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(cfg.FilePath); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		writer = io.MultiWriter(writer, file)
		closer = file
	}
	ctx := zerolog.New(writer).Level(parseLevel(cfg.Level)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger(), closer, nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func validLogLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info", "debug", "trace", "warn", "warning", "error", "disabled", "off":
		return true
	}
	return false
}

func selectWriter(format string, out *os.File) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "auto", "":
		if out != nil && isTerminalFn(int(out.Fd())) {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		return out
	default:
		return out
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
