// Package logging builds the structured logger the rest of the indexer
// takes as a *zap.Logger, per the ambient logging stack carried alongside
// the teacher's own `go.uber.org/zap` dependency.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tunes the logger's verbosity and encoding.
type Options struct {
	Debug bool
	JSON  bool
}

// New builds a zap logger with ISO8601 timestamps: JSON encoding when
// opts.JSON is set, a human-readable console encoder otherwise (the zero
// Options), and info level unless Debug.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(newSyncWriter())), level)
	return zap.New(core, zap.AddCaller()), nil
}
