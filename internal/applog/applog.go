// Package applog builds the bridge's two logging sinks from one rotating
// writer: a plain *log.Logger for the printf-style logging every other
// package takes in its constructor, and a zap.Logger for the structured
// events (reconnect attempts) that a printf line can't carry cleanly.
package applog

import (
	"log"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating file sink. Debug raises the zap core's
// level to Debug; otherwise it logs at Info and above.
type Options struct {
	DataDir string
	Debug   bool
}

// Loggers bundles the two sinks callers need; both write to the same
// rotating file, so output stays interleaved in one place.
type Loggers struct {
	Plain *log.Logger
	Zap   *zap.Logger
}

// New opens (or rotates into) <DataDir>/fitbridge.log and returns both
// sinks backed by it.
func New(opts Options) (Loggers, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return Loggers{}, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(opts.DataDir, "fitbridge.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	plain := log.New(rotator, "", log.LstdFlags|log.Lmicroseconds)

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(rotator),
		level,
	)
	zapLogger := zap.New(core)

	return Loggers{Plain: plain, Zap: zapLogger}, nil
}
