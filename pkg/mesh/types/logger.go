package types

// Logger is the logging interface consumed by all bootstrap
// components. The user can provide its own implementation, or use
// the default one available on the definition package.
type Logger interface {
	Debugf(format string, v ...interface{})

	Infof(format string, v ...interface{})

	Warnf(format string, v ...interface{})

	Errorf(format string, v ...interface{})

	// Enable or disable debug level logs, returning the
	// applied value.
	ToggleDebug(value bool) bool
}
