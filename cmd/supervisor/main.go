// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// supervisor runs one robot-fleet session: it discovers robots on the
// configured network, keeps a Robot Actor per robot, relays radio
// traffic between robots, ingests motion capture, journals everything
// to a SQLite file and serves the operator interface.
//
// The configuration file is named by --config or SUPERVISOR_CONFIG.
// SIGINT or SIGTERM ends the session: robots are released and the
// journal is closed before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/supervisor/lib/config"
	"github.com/bureau-foundation/supervisor/lib/process"
	"github.com/bureau-foundation/supervisor/lib/version"
	"github.com/bureau-foundation/supervisor/session"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logFormat   string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("supervisor", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the configuration file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&logFormat, "log-format", "auto", "log format: text, json, or auto (text on a terminal)")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("supervisor")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	logger, err := newLogger(os.Stderr, logFormat, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("supervisor starting", "version", version.Current().String(), "robots", len(cfg.Robots))
	supervisor, err := session.Open(ctx, cfg, session.Options{Logger: logger})
	if err != nil {
		return err
	}
	return supervisor.Run(ctx)
}

// newLogger builds the process logger. The auto format writes text to
// a terminal and JSON otherwise.
func newLogger(output *os.File, format, level string) (*slog.Logger, error) {
	var minimum slog.Level
	if err := minimum.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(output.Fd())) {
			format = "text"
		}
	}
	handler, err := logHandler(output, format, &slog.HandlerOptions{Level: minimum})
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func logHandler(output io.Writer, format string, options *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "text":
		return slog.NewTextHandler(output, options), nil
	case "json":
		return slog.NewJSONHandler(output, options), nil
	default:
		return nil, fmt.Errorf("--log-format: unknown format %q (want text, json or auto)", format)
	}
}
