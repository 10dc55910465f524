package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// Exit codes. A missing chat configuration gets its own code so wrappers
// can tell it apart from a failed run.
const (
	exitMissingChats = 1
	exitFatal        = 2
)

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitFatal
}

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *Config {
	return ctx.Context.Value(contextKeyConfig).(*Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func newLogger(level string, jsonLogs bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var log zerolog.Logger
	if jsonLogs {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

func prepareApp(ctx *cli.Context) error {
	log, err := newLogger(ctx.String("log-level"), ctx.Bool("json-logs"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "tgmirror",
		Usage:   "Copy the history of one Telegram chat into another",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "json-logs",
				Usage: "Write logs as JSON instead of human-readable text",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "List the messages that would be copied without copying them",
			},
		},
		Before: prepareApp,
		Action: cmdSync,
		Commands: []*cli.Command{
			chatsCommand,
			ledgerCommand,
			exampleConfigCommand,
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}
