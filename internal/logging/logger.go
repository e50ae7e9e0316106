// Package logging provides zap logger helpers: the process logger and the
// per-spider log files that sit beside it.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the process logger flavor.
type Config struct {
	Development bool
	// Level is a zap level name; empty keeps the flavor's default.
	Level string
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForSpider tees base into <dir>/<name>/<name>.log and, when errorLog is
// set, into <dir>/<name>/error.log for errors and above. The returned func
// syncs and closes the files.
func ForSpider(base *zap.Logger, dir, name string, errorLog bool) (*zap.Logger, func(), error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return nil, nil, fmt.Errorf("invalid spider name %q", name)
	}
	spiderDir := filepath.Join(dir, name)
	if err := os.MkdirAll(spiderDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create spider log dir: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Sync()
			_ = f.Close()
		}
	}
	open := func(path string) (*os.File, error) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open spider log: %w", err)
		}
		files = append(files, f)
		return f, nil
	}

	main, err := open(filepath.Join(spiderDir, name+".log"))
	if err != nil {
		return nil, nil, err
	}
	cores := []zapcore.Core{base.Core(), zapcore.NewCore(enc, zapcore.AddSync(main), zapcore.DebugLevel)}
	if errorLog {
		errFile, err := open(filepath.Join(spiderDir, "error.log"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(errFile), zapcore.ErrorLevel))
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(name)
	return logger, func() {
		_ = logger.Sync()
		closeAll()
	}, nil
}

// SpiderLogs returns a factory for ForSpider bound to base and dir. An
// empty dir yields nil, meaning no per-spider files.
func SpiderLogs(base *zap.Logger, dir string, errorLog bool) func(string) (*zap.Logger, func(), error) {
	if dir == "" {
		return nil
	}
	return func(name string) (*zap.Logger, func(), error) {
		return ForSpider(base, dir, name, errorLog)
	}
}
