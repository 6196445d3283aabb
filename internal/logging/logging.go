// Package logging builds the process-wide zap logger for the master and for
// every worker process.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ChuLiYu/warden/internal/config"
)

// Setup builds a zap.Logger from cfg, installs it as the global logger and
// redirects the stdlib log package. Relative file outputs are resolved
// against runtimeDir so that "run.log" ends up next to run.pid. The caller
// should defer logger.Sync().
func Setup(cfg config.LogConfig, runtimeDir string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(normalizeLevel(cfg.Level))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := encoderConfig(cfg.Development)
	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
		default:
			path := out
			if !filepath.IsAbs(path) && runtimeDir != "" {
				path = filepath.Join(runtimeDir, path)
			}
			cores = append(cores, zapcore.NewCore(encoder, FileSyncer(path, cfg.Rotation), level))
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	logger := zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

// ForWorker gives a worker process its own rotating files. With rotation on,
// file output "run.log" becomes "run.<service>.<id>.log" so that only one
// lumberjack rotator owns each file. Without rotation every process appends
// to the shared file and cfg is returned unchanged.
func ForWorker(cfg config.LogConfig, service string, id int) config.LogConfig {
	if !cfg.Rotation.Enable {
		return cfg
	}
	outs := make([]string, len(cfg.Outputs))
	for i, out := range cfg.Outputs {
		switch strings.ToLower(out) {
		case "stdout", "stderr":
			outs[i] = out
		default:
			ext := filepath.Ext(out)
			outs[i] = fmt.Sprintf("%s.%s.%d%s", strings.TrimSuffix(out, ext), service, id, ext)
		}
	}
	cfg.Outputs = outs
	return cfg
}

// FileSyncer returns a rotating (lumberjack) or plain append-only writer for
// path. A file that cannot be opened falls back to stderr.
func FileSyncer(path string, rot config.RotationConfig) zapcore.WriteSyncer {
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	if rot.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(rot.MaxSizeMB, 10),
			MaxBackups: max(rot.MaxBackups, 1),
			MaxAge:     max(rot.MaxAgeDays, 7),
			Compress:   rot.Compress,
		})
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.AddSync(os.Stderr)
	}
	return zapcore.AddSync(f)
}

// Named returns a child of the global logger, or of l when it is non-nil.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = zap.L()
	}
	return l.Named(name)
}

func normalizeLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return "warn"
	}
	if s == "" {
		return "info"
	}
	return s
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
