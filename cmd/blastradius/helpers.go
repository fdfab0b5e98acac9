package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"blastradius/internal/config"
	brerrors "blastradius/internal/errors"
	"blastradius/internal/report"
	"blastradius/internal/slogutil"
)

// Process exit codes.
const (
	exitError      = 1
	exitBadInput   = 2
	exitInvariants = 3
)

func exitCode(err error) int {
	switch brerrors.CodeOf(err) {
	case brerrors.EmptyInput, brerrors.TargetUnresolved, brerrors.ParseFailure:
		return exitBadInput
	case brerrors.InvariantViolation:
		return exitInvariants
	default:
		return exitError
	}
}

// loadConfig reads --config, or .blastradius/config.json below the working
// directory.
func loadConfig() (config.AnalysisConfig, error) {
	if configFlag != "" {
		cfg, err := config.LoadFile(configFlag)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %w", configFlag, err)
		}
		return cfg, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return config.AnalysisConfig{}, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout carries only the report. --verbose
// overrides the configured level; a configured log file receives a copy.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := slogutil.LevelFromString(cfg.Level)
	if verboseFlag > 0 {
		level = slogutil.LevelFromVerbosity(verboseFlag, false)
	} else if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	stderr := slogutil.NewLoggerFormat(os.Stderr, level, cfg.Format)
	if cfg.File == "" {
		return stderr, func() {}, nil
	}

	fileLogger, f, err := slogutil.NewFileLogger(cfg.File, slogutil.LevelFromString(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	tee := slogutil.NewTeeHandler(stderr.Handler(), fileLogger.Handler())
	return slog.New(tee), func() { _ = f.Close() }, nil
}

// newContext is cancelled on SIGINT or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputFormat() (report.Format, error) {
	return report.ParseFormat(formatFlag)
}

// readInput returns the named file, or stdin for "-" or no argument.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return string(data), nil
}
