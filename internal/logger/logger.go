package logger

import (
	"sync"

	"emperror.dev/errors"
	"github.com/bombsimon/logrusr/v3"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

const (
	KeyCmd       = "command"
	KeyState     = "state"
	KeyRequestID = "requestID"
	KeyQueue     = "queue"
	KeyPayload   = "payload"
)

var ErrInvalidConfig = errors.NewPlain("invalid config")

var (
	loggers   = map[string]logr.Logger{} //nolint:gochecknoglobals // simple logging
	loggersMu sync.Mutex                 //nolint:gochecknoglobals // simple logging
	level     = logrus.TraceLevel        //nolint:gochecknoglobals // simple logging
)

// GetLogger returns the cached logger of the app, creating it on first use.
func GetLogger(app string) logr.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, has := loggers[app]; has {
		return logger
	}
	lr := logrus.New()
	lr.Level = level
	loggers[app] = logrusr.New(lr).WithName(app)

	return loggers[app]
}

// SetLevel sets the level of loggers created after the call.
// Unknown level names are reported and the level is not changed.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return errors.WrapIf(err, "log level")
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	level = lvl
	for app := range loggers {
		delete(loggers, app)
	}

	return nil
}
