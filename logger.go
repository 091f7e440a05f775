package modloader

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so that module
// lifecycle output can be parsed consistently:
//
//	logger.Info("Started module", "module", "atd", "version", "0.51.0")
//
// *slog.Logger satisfies this interface directly.
type Logger interface {
	// Info logs normal lifecycle events such as module start and stop.
	Info(msg string, args ...any)

	// Error logs failures that were handled, for example a module's stop hook
	// failing during shutdown.
	Error(msg string, args ...any)

	// Warn logs unusual but tolerated conditions, such as a skipped package.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as the computed start order.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}
