// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup sets the level and format of the standard logrus logger.
func Setup(level string, json bool) error {
	return Configure(logrus.StandardLogger(), os.Stderr, level, json)
}

// Configure applies level and format to logger and directs it to out.
func Configure(logger *logrus.Logger, out io.Writer, level string, json bool) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger.SetOutput(out)
	logger.SetLevel(lvl)
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
