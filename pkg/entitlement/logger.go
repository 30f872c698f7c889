package entitlement

// Field is one structured key/value pair attached to a log line, such
// as the user id or unlock method of the operation being logged.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives structured log lines from the engine: unlock
// decisions, redeemed purchases, webhook reconciliation outcomes. An
// adapter for zerolog ships in logger/zerolog; any structured logger
// can stand behind the interface.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no logger is
// configured.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
