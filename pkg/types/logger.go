package types

// Logger is the logging contract every engine component depends on. Its
// shape mirrors the teacher's (go-mcast) definition.Logger interface so that
// swapping the backing implementation never ripples through call sites.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool

	// With returns a derived Logger carrying the given structured fields on
	// every subsequent call. Implementations that don't support structured
	// fields may return themselves unchanged.
	With(fields ...Field) Logger
}

// Field is a structured logging key/value pair, independent of the backing
// logger implementation (avoids leaking zap.Field into call sites).
type Field struct {
	Key   string
	Value interface{}
}

func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
