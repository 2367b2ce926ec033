package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface used across the module. Values
// are alternating key/value pairs.
type Logger interface {
	Info(msg string, values ...any)
	Warn(msg string, values ...any)
	Error(msg string, values ...any)
	Debug(msg string, values ...any)
	Panic(message string, values ...any)
	Fatal(error error, values ...any)
	Printf(format string, args ...interface{})
}

type ZapLogger struct {
	log *zap.SugaredLogger
}

var current atomic.Pointer[ZapLogger]

func init() {
	if err := Setup(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL")); err != nil {
		panic(err)
	}
}

// Setup rebuilds the package logger. Production uses the json encoder,
// every other env the console one. An empty level keeps the env default.
func Setup(env, level string) error {
	config := zap.NewDevelopmentConfig()
	if env == "production" {
		config = zap.NewProductionConfig()
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	l, err := NewLogger(config)
	if err != nil {
		return err
	}
	current.Store(l)
	return nil
}

func NewLogger(config zap.Config) (*ZapLogger, error) {
	logger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{log: logger.Sugar()}, nil
}

func GetLogger() *ZapLogger {
	l := current.Load()
	if l == nil {
		panic("logger not initialized")
	}
	return l
}

// With returns a child logger carrying the given fields on every entry.
// Its methods are called directly, so it drops the package level frame.
func With(values ...any) *ZapLogger {
	base := GetLogger().log.Desugar().WithOptions(zap.AddCallerSkip(-1))
	return &ZapLogger{log: base.Sugar().With(values...)}
}

func (l *ZapLogger) With(values ...any) *ZapLogger {
	return &ZapLogger{log: l.log.With(values...)}
}

func (l *ZapLogger) Panic(message string, values ...any) { l.log.Panicw(message, values...) }

func (l *ZapLogger) Fatal(error error, values ...any) { l.log.Fatalw(error.Error(), values...) }

func (l *ZapLogger) Info(message string, values ...any) { l.log.Infow(message, values...) }

func (l *ZapLogger) Warn(message string, values ...any) { l.log.Warnw(message, values...) }

func (l *ZapLogger) Error(message string, values ...any) { l.log.Errorw(message, values...) }

func (l *ZapLogger) Debug(message string, values ...any) { l.log.Debugw(message, values...) }

func (l *ZapLogger) Printf(format string, args ...interface{}) { l.log.Infof(format, args...) }

func Info(msg string, values ...any) {
	GetLogger().Info(msg, values...)
}

func Warn(msg string, values ...any) {
	GetLogger().Warn(msg, values...)
}

func Error(msg string, values ...any) {
	GetLogger().Error(msg, values...)
}

func Debug(msg string, values ...any) {
	GetLogger().Debug(msg, values...)
}

func Panic(msg string, values ...any) {
	GetLogger().Panic(msg, values...)
}

func Fatal(error error, values ...any) {
	GetLogger().Fatal(error, values...)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = GetLogger().log.Sync()
}
