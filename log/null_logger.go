package log

// NullLogger discards every record. Components use it when no logger is
// configured.
type NullLogger struct{}

var _ Logger = (*NullLogger)(nil)

// NewNullLogger returns a NullLogger.
func NewNullLogger() *NullLogger {
	return &NullLogger{}
}

// OrNull returns logger, or a NullLogger if logger is nil.
func OrNull(logger Logger) Logger {
	if logger == nil {
		return NewNullLogger()
	}
	return logger
}

func (l *NullLogger) Debug(string, ...any) {}
func (l *NullLogger) Info(string, ...any)  {}
func (l *NullLogger) Warn(string, ...any)  {}
func (l *NullLogger) Error(string, ...any) {}
func (l *NullLogger) With(...any) Logger   { return l }
