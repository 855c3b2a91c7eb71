// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// logrus logger construction from LogConfig.

package control

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logger writing to stderr.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	return NewLoggerTo(os.Stderr, cfg)
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(w)
	if err := ApplyLogConfig(log, cfg); err != nil {
		return nil, err
	}
	return log, nil
}

// ApplyLogConfig updates level and formatter in place, so a reload can
// retarget a logger already shared by running contexts.
func ApplyLogConfig(log *logrus.Logger, cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	log.SetLevel(level)
	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Discard returns a logger that drops everything; tests use it.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
