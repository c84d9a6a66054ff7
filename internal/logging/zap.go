package logging

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the rotating file sink and the verbosity threshold
// mapping. Verbosity follows the CLI's --verbose scale: 0-4 error/warn,
// 5-10 info, >=11 debug (per-send accounting turns on at this level).
type Options struct {
	Path       string
	Verbosity  int
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func defaultOptions(o Options) Options {
	if o.MaxSizeMB == 0 {
		o.MaxSizeMB = 64
	}
	if o.MaxBackups == 0 {
		o.MaxBackups = 5
	}
	if o.MaxAgeDays == 0 {
		o.MaxAgeDays = 30
	}
	return o
}

func levelFor(verbosity int) zapcore.Level {
	switch {
	case verbosity >= 11:
		return zapcore.DebugLevel
	case verbosity >= 5:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

// zapLogger adapts *zap.SugaredLogger to the engine's Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger backed by zap, writing JSON records through
// lumberjack for rotation.
func New(o Options) Logger {
	o = defaultOptions(o)
	threshold := levelFor(o.Verbosity)
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= threshold
	})

	hook := &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(hook), enabler)
	base := zap.New(core, zap.AddCaller())
	return &zapLogger{sugar: base.Sugar()}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

func (l *zapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Printf(format string, args ...any) { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
