package logger

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op until Init runs, so library code and tests can log freely.
var Log = zap.NewNop()

// Options configures the process logger.
type Options struct {
	Level string
	// Format is "json" or "console".
	Format string
	// OutputPath is "stdout", "stderr" or a file path.
	OutputPath string

	// Service, Pipeline and Binary are stamped on every entry so log lines
	// from the API server and one-shot syncs can be told apart.
	Service  string
	Pipeline string
	Binary   string

	// SampleInitial entries per second with the same message are kept, then
	// every SampleThereafter-th. Zero disables sampling.
	SampleInitial    int
	SampleThereafter int
}

func Init(opts Options) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch opts.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	path := opts.OutputPath
	if path == "" {
		path = "stdout"
	}
	sink, _, err := zap.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log output %s: %w", path, err)
	}

	core := zapcore.NewCore(encoder, sink, level)
	if opts.SampleInitial > 0 && opts.SampleThereafter > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, opts.SampleInitial, opts.SampleThereafter)
	}

	Log = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(baseFields(opts)...),
	)
	return nil
}

func baseFields(opts Options) []zap.Field {
	var fields []zap.Field
	if opts.Service != "" {
		fields = append(fields, zap.String("service", opts.Service))
	}
	if opts.Pipeline != "" {
		fields = append(fields, zap.String("pipeline", opts.Pipeline))
	}
	if opts.Binary != "" {
		fields = append(fields, zap.String("binary", opts.Binary))
	}
	return fields
}

// GetLogger returns the process logger without the helper caller skip, for
// components that take an injected *zap.Logger.
func GetLogger() *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1))
}

// Named returns a child of the process logger tagged with a component name.
func Named(name string) *zap.Logger {
	return GetLogger().Named(name)
}

func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

func Sync() {
	_ = Log.Sync()
}
