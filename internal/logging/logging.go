// Package logging configures the logrus logger shared by the commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// New creates a text logger writing to out at the named level
// ("trace", "debug", "info", "warn", "error").
func New(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	if out == nil {
		out = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	return l, nil
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Caller returns an entry carrying the position of the caller skip frames
// up, trimmed to the last three path elements.
func Caller(l logrus.FieldLogger, skip int) *logrus.Entry {
	entry := l.WithFields(logrus.Fields{})
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return entry
	}
	path := strings.Split(file, string(os.PathSeparator))
	if len(path) > 3 {
		path = path[len(path)-3:]
	}
	return entry.WithField("position", fmt.Sprintf("%s:%d", strings.Join(path, string(os.PathSeparator)), line)).
		WithField("func", runtime.FuncForPC(pc).Name())
}
