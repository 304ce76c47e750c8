// Package logging routes every named go-log logger through one zap core that
// writes to the console, an optional rotating file and any extra sinks.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/petervdpas/goopcall/internal/config"
)

// Subsystems are the loggers this program names.
var Subsystems = []string{
	"app", "call", "calls", "config", "media", "p2p",
	"presence", "session", "signaling", "storage", "viewer",
}

// Setup installs the core and applies levels from cfg. Relative file paths
// resolve against baseDir. The returned func flushes and closes the file.
func Setup(cfg config.Log, baseDir string, extra ...io.Writer) (func() error, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	console := zapcore.NewConsoleEncoder(encCfg)

	// go-log filters per logger; the cores accept everything.
	all := zap.LevelEnablerFunc(func(zapcore.Level) bool { return true })

	cores := []zapcore.Core{
		zapcore.NewCore(console, zapcore.Lock(os.Stderr), all),
	}
	for _, w := range extra {
		cores = append(cores, zapcore.NewCore(console, zapcore.AddSync(w), all))
	}

	closeFn := func() error { return nil }
	if f := strings.TrimSpace(cfg.File); f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(baseDir, f)
		}
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), all))
		closeFn = lj.Close
	}

	golog.SetPrimaryCore(zapcore.NewTee(cores...))

	if err := ApplyLevels(level.String(), cfg.Levels); err != nil {
		return nil, err
	}
	return closeFn, nil
}

// ApplyLevels sets the default level on our subsystems and then the
// per-subsystem overrides. go-log only levels loggers that exist, so each
// name is registered first; this also lets libp2p loggers be tuned.
func ApplyLevels(def string, overrides map[string]string) error {
	for _, name := range Subsystems {
		golog.Logger(name)
		if err := golog.SetLogLevel(name, def); err != nil {
			return fmt.Errorf("logging: %s: %w", name, err)
		}
	}
	for name, lvl := range overrides {
		golog.Logger(name)
		if err := golog.SetLogLevel(name, lvl); err != nil {
			return fmt.Errorf("logging: %s=%s: %w", name, lvl, err)
		}
	}
	return nil
}
