package obs

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions controls logger construction.
type LogOptions struct {
	Level   string
	Format  string // "json" or "console"
	Service string
	Version string
	Output  zapcore.WriteSyncer
}

// ParseLevel maps a configured level name to a zap level.
func ParseLevel(raw string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
	return lvl, nil
}

// NewLogger returns the application logger, which writes to the console and
// to the optional pipeline core, plus a console-only logger for components
// that must not feed the pipeline (the log consumer itself).
func NewLogger(opts LogOptions, pipeline zapcore.Core) (*zap.Logger, *zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	out := opts.Output
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "console":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "", "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeDuration = zapcore.MillisDurationEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	consoleCore := zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(level))
	core := consoleCore
	if pipeline != nil {
		core = zapcore.NewTee(consoleCore, pipeline)
	}

	fields := []zap.Field{zap.String("service", opts.Service)}
	if opts.Version != "" {
		fields = append(fields, zap.String("version", opts.Version))
	}
	app := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).With(fields...)
	console := zap.New(consoleCore, zap.AddCaller()).With(fields...)
	return app, console, nil
}
