package logger

// Logger is the structured logging interface used by the engine, the workflow
// and the stores. keyvals are alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// Default returns the logger used when none is configured.
func Default() Logger { return NewPhusluLogger("expedientes") }
