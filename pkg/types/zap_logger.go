package types

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs the default Logger with go.uber.org/zap, the structured
// logger nspcc-dev-neo-go wires through its CLI (cli/options/options.go) and
// RPC server. Where the teacher's DefaultLogger concatenated args with
// fmt.Sprint into a flat line, ZapLogger keeps the same method surface but
// emits structured, leveled output.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// LevelFromChar maps the config.log_level single-character levels from
// spec §6 ('t'=trace/debug, 'd'=debug, 'i'=info, 'w'=warn, 'e'=error) onto a
// zapcore.Level.
func LevelFromChar(c byte) zapcore.Level {
	switch c {
	case 't', 'd':
		return zapcore.DebugLevel
	case 'i':
		return zapcore.InfoLevel
	case 'w':
		return zapcore.WarnLevel
	case 'e':
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewZapLogger builds the default Logger implementation at the given level.
func NewZapLogger(level zapcore.Level) *ZapLogger {
	atom := zap.NewAtomicLevelAt(level)
	cfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), atom)
	logger := zap.New(core).Sugar()
	return &ZapLogger{sugar: logger, level: atom}
}

func (z *ZapLogger) Info(v ...interface{})                    { z.sugar.Info(v...) }
func (z *ZapLogger) Infof(format string, v ...interface{})    { z.sugar.Infof(format, v...) }
func (z *ZapLogger) Warn(v ...interface{})                    { z.sugar.Warn(v...) }
func (z *ZapLogger) Warnf(format string, v ...interface{})    { z.sugar.Warnf(format, v...) }
func (z *ZapLogger) Error(v ...interface{})                   { z.sugar.Error(v...) }
func (z *ZapLogger) Errorf(format string, v ...interface{})   { z.sugar.Errorf(format, v...) }
func (z *ZapLogger) Fatal(v ...interface{})                   { z.sugar.Fatal(v...) }
func (z *ZapLogger) Fatalf(format string, v ...interface{})   { z.sugar.Fatalf(format, v...) }

func (z *ZapLogger) Debug(v ...interface{}) {
	z.sugar.Debug(v...)
}

func (z *ZapLogger) Debugf(format string, v ...interface{}) {
	z.sugar.Debugf(format, v...)
}

func (z *ZapLogger) ToggleDebug(value bool) bool {
	if value {
		z.level.SetLevel(zapcore.DebugLevel)
	} else {
		z.level.SetLevel(zapcore.InfoLevel)
	}
	return value
}

func (z *ZapLogger) With(fields ...Field) Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return &ZapLogger{sugar: z.sugar.With(args...), level: z.level}
}
