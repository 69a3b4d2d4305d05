// Package obslog provides component-tagged structured logging for the USB
// core, built on zap. Every call additionally appends a log record onto the
// worker's event stream, per spec §6 — the core always emits debug events;
// presentation-layer verbosity filtering happens downstream, not here.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nxdthost/nxdt-host/events"
)

// Component identifies the subsystem emitting a log record.
type Component string

// Named components, mirroring the teacher's component taxonomy.
const (
	ComponentHost       Component = "host"
	ComponentProtocol   Component = "protocol"
	ComponentSession    Component = "session"
	ComponentReceive    Component = "receive"
	ComponentDispatcher Component = "dispatcher"
	ComponentWorker     Component = "worker"
	ComponentConfig     Component = "config"
)

// Logger pairs a zap.Logger with the event stream it mirrors records onto.
type Logger struct {
	zap    *zap.Logger
	stream *events.Stream
}

// New creates a Logger writing JSON records to stderr and mirroring every
// call onto stream.
func New(stream *events.Stream) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapcore.DebugLevel,
	)
	return &Logger{zap: zap.New(core), stream: stream}
}

func (l *Logger) log(level events.Level, component Component, msg string, args ...any) {
	fields := make([]zap.Field, 0, len(args)/2+1)
	fields = append(fields, zap.String("component", string(component)))
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		fields = append(fields, zap.Any(key, args[i+1]))
	}

	switch level {
	case events.LevelDebug:
		l.zap.Debug(msg, fields...)
	case events.LevelWarn:
		l.zap.Warn(msg, fields...)
	case events.LevelError:
		l.zap.Error(msg, fields...)
	default:
		l.zap.Info(msg, fields...)
	}

	if l.stream != nil {
		l.stream.Log(level, msg)
	}
}

// Debug logs a debug-severity record.
func (l *Logger) Debug(component Component, msg string, args ...any) {
	l.log(events.LevelDebug, component, msg, args...)
}

// Info logs an info-severity record.
func (l *Logger) Info(component Component, msg string, args ...any) {
	l.log(events.LevelInfo, component, msg, args...)
}

// Warn logs a warning-severity record.
func (l *Logger) Warn(component Component, msg string, args ...any) {
	l.log(events.LevelWarn, component, msg, args...)
}

// Error logs an error-severity record.
func (l *Logger) Error(component Component, msg string, args ...any) {
	l.log(events.LevelError, component, msg, args...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
