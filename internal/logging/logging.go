// Package logging configures logrus for the daemon and its tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tacos8me/calldoc/internal/config"
)

// New builds a logger from cfg. Output always includes stdout; a rotating
// file is added when cfg.File.Path is set.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	writers := []io.Writer{os.Stdout}
	if cfg.File.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))

	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Component returns log scoped to a component name, or a discard logger if log is nil.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = Nop()
	}
	return log.WithField("component", name)
}
