// Package common provides the shared logging and error infrastructure for
// the control plane. Logging is built on logrus with output routing that
// sends error-level lines to stderr and everything else to stdout, so
// container orchestrators and log aggregators can treat the two streams
// differently.
//
// All packages in this module log through the global Logger instance to
// keep formatting and routing uniform.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes log lines to stdout or stderr based on severity.
// Lines containing an error-level marker go to stderr; the rest to stdout.
type OutputSplitter struct{}

// Write implements io.Writer for the splitter.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Services may derive entries with
// WithField/WithFields but should not replace the instance.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{})

	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// SetLevel adjusts the global log level at runtime.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	}
}
