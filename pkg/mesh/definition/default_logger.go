package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// The default logger used if the user does not provide its
// own implementation. Logs are emitted to stderr through logrus.
type DefaultLogger struct {
	logger *logrus.Logger
	debug  bool
}

func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{
		logger: l,
		debug:  false,
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.logger.Debugf(format, v...)
	}
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.logger.Infof(format, v...)
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warnf(format, v...)
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.logger.SetLevel(logrus.DebugLevel)
	} else {
		l.logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}
