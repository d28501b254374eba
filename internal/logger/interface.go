package logger

// Logger is the printf-style logging interface shared by every package.
// Power sequencing, dispatch, and the remote executor only depend on this
// interface, so tests can swap in a silent or capturing implementation.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Fatal(format string, v ...interface{})
}
