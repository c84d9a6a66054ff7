// Package logging wires the engine's Logger collaborator interface to a
// concrete zap-backed implementation with lumberjack rotation.
package logging

// Logger is the logging collaborator the engine and its components depend
// on. It never imports zap directly; this keeps engine code testable with
// a trivial fake.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
