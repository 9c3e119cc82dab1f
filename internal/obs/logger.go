// Package obs wires the ambient observability concerns: logrus setup with
// optional file rotation, the otel tracer and meter, and the per-transaction
// Context that travels with a request through the pipeline.
package obs

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls global logrus behavior.
type LogConfig struct {
	Level      string // trace, debug, info, warn, error
	Format     string // text or json
	FilePath   string // empty means stderr only
	MaxSizeMB  int
	MaxBackups int
}

// SetupLogging configures the process-wide logrus logger. When FilePath is
// set, output goes to a size-rotated file as well as stderr.
func SetupLogging(cfg LogConfig) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.FilePath == "" {
		logrus.SetOutput(os.Stderr)
		return
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
}
