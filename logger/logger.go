// Package logger provides the structured logging used across the engine's
// subsystems (pager, wal, btree, vm). It wraps logrus the same way the
// teacher project's logger package does: one process-wide formatter, one
// logger per log destination, with small named loggers per component so
// log lines can be filtered by subsystem.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger is the process-wide default logger.
	Logger *logrus.Logger
)

// Config controls where log output goes and at what level.
type Config struct {
	OutputPath string // empty means stderr
	Level      string // debug|info|warn|error|fatal
}

type lineFormatter struct {
	TimestampFormat string
}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format(f.TimestampFormat)
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	comp, _ := entry.Data["component"].(string)
	if comp == "" {
		comp = "core"
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s\n", ts, level, comp, entry.Message)), nil
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Init installs the process-wide logger. Safe to call more than once; the
// last call wins. If cfg is nil, defaults to info level on stderr.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{Level: "info"}
	}
	l := logrus.New()
	l.SetFormatter(&lineFormatter{TimestampFormat: "15:04:05.000"})
	l.SetLevel(parseLevel(cfg.Level))

	if cfg.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.SetOutput(os.Stderr)
			l.Warnf("falling back to stderr, could not open %s: %v", cfg.OutputPath, err)
		} else {
			l.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	} else {
		l.SetOutput(os.Stderr)
	}

	Logger = l
	return nil
}

func init() {
	_ = Init(nil)
}

// For returns a per-component logger, e.g. logger.For("pager").Info(...).
func For(component string) *logrus.Entry {
	if Logger == nil {
		_ = Init(nil)
	}
	return Logger.WithField("component", component)
}
