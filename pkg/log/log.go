package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	replace(zapcore.Lock(os.Stdout))
}

func config() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderCfg
}

func replace(ws zapcore.WriteSyncer) {
	zap.ReplaceGlobals(zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(config()),
		ws,
		logLevel,
	)))
}

// SetOutput redirects all subsequent log output to w.
func SetOutput(w io.Writer) {
	replace(zapcore.Lock(zapcore.AddSync(w)))
}

// SetFile redirects log output to a size-rotated file at path.
// The returned closer releases the file handle.
func SetFile(path string) io.Closer {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
	}
	SetOutput(sink)
	return sink
}

// Debug logs a debug message with optional key/value pairs.
func Debug(msg string, kv ...interface{}) {
	zap.S().Debugw(msg, kv...)
}

// Info logs an info message with optional key/value pairs.
func Info(msg string, kv ...interface{}) {
	zap.S().Infow(msg, kv...)
}

// Warn logs a warning message with optional key/value pairs.
func Warn(msg string, kv ...interface{}) {
	zap.S().Warnw(msg, kv...)
}

// Error logs an error message with optional key/value pairs.
func Error(msg string, kv ...interface{}) {
	zap.S().Errorw(msg, kv...)
}

// Panic logs a message and then panics.
func Panic(msg string, kv ...interface{}) {
	zap.S().Panicw(msg, kv...)
}

// Fatal logs a message and then calls os.Exit(1).
func Fatal(msg string, kv ...interface{}) {
	zap.S().Fatalw(msg, kv...)
}

// SetLevel sets the log level from any of
// debug, info, warn, error, panic or fatal (case-insensitive).
func SetLevel(level string) error {
	var l zapcore.Level
	switch Clean(level) {
	case "debug":
		l = zapcore.DebugLevel
	case "info":
		l = zapcore.InfoLevel
	case "warn", "warning":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	case "panic":
		l = zapcore.PanicLevel
	case "fatal":
		l = zapcore.FatalLevel
	default:
		return fmt.Errorf("invalid log level: %v", level)
	}

	logLevel.SetLevel(l)
	return nil
}

// GetLevel returns the current log level.
func GetLevel() zapcore.Level {
	return logLevel.Level()
}

// Clean lowercases and trims s.
func Clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
