package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/tgmirror/pkg/ledger"
	"github.com/lrhodin/tgmirror/pkg/mirror"
	"github.com/lrhodin/tgmirror/pkg/tdlib"
	"github.com/lrhodin/tgmirror/pkg/tdlib/tdjson"
)

const (
	defaultChatLimit = 100
	closeTimeout     = 10 * time.Second
)

const missingChatsMessage = "\nPlease set SOURCE and DESTINATION in the .env file or source and destination in the config file"

var chatsCommand = &cli.Command{
	Name:   "chats",
	Usage:  "Log in and list chat ids and titles",
	Action: cmdChats,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of chats to list",
			Value: defaultChatLimit,
		},
	},
}

var ledgerCommand = &cli.Command{
	Name:   "ledger",
	Usage:  "Show stored message mappings for the configured chats",
	Action: cmdLedger,
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print an example config file",
	Action: func(ctx *cli.Context) error {
		fmt.Print(ExampleConfig)
		return nil
	},
}

func connect(ctx *cli.Context) (*tdlib.Client, error) {
	cfg := getConfig(ctx)
	transport, err := tdjson.New()
	if err != nil {
		return nil, err
	}
	client := tdlib.NewClient(transport, getLogger(ctx))
	if err = client.SetLogVerbosity(cfg.Telegram.LogVerbosity); err != nil {
		log := getLogger(ctx)
		log.Warn().Err(err).Msg("Failed to set TDLib log verbosity")
	}
	if err = client.Login(ctx.Context, cfg.tdlibParameters(), newTerminalAuthorizer()); err != nil {
		closeClient(getLogger(ctx), client)
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	return client, nil
}

func closeClient(log zerolog.Logger, client *tdlib.Client) {
	if err := client.Close(context.Background(), closeTimeout); err != nil {
		log.Warn().Err(err).Msg("Failed to close TDLib cleanly")
	}
}

func printChats(ctx context.Context, client *tdlib.Client, limit int) error {
	chats, err := client.ListChats(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}
	for _, chat := range chats {
		fmt.Printf("%d, %s\n", chat.ID, chat.Title)
	}
	return nil
}

func cmdChats(ctx *cli.Context) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeClient(getLogger(ctx), client)
	return printChats(ctx.Context, client, ctx.Int("limit"))
}

func cmdSync(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer closeClient(log, client)

	if err = printChats(ctx.Context, client, defaultChatLimit); err != nil {
		return err
	}
	if err = checkChats(cfg); err != nil {
		return err
	}

	lg, err := ledger.Open(ctx.Context, cfg.Ledger.Path, ledgerPair(cfg), log)
	if err != nil {
		return err
	}
	defer lg.Close()

	syncer := mirror.NewSyncer(client, lg, cfg.syncConfig(ctx.Bool("dry-run")), log)
	report, err := syncer.Run(ctx.Context)
	if report != nil {
		fmt.Printf("Copied %d of %d outstanding messages (%d unconfirmed, %d skipped, %d failed, %d inconsistent)\n",
			report.Copied, report.Outstanding, report.Unconfirmed, report.Skipped, report.Failed, report.Inconsistent)
	}
	return err
}

func cmdLedger(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if err := checkChats(cfg); err != nil {
		return err
	}
	lg, err := ledger.Open(ctx.Context, cfg.Ledger.Path, ledgerPair(cfg), getLogger(ctx))
	if err != nil {
		return err
	}
	defer lg.Close()
	entries, err := lg.List(ctx.Context)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%d => %d (%s)\n", entry.Source, entry.Destination, entry.CreatedAt.Format(time.DateTime))
	}
	fmt.Printf("%d mappings\n", len(entries))
	return nil
}

// checkChats fails with exitMissingChats unless both chats are configured.
func checkChats(cfg *Config) error {
	if !cfg.HasChats() {
		return cli.Exit(missingChatsMessage, exitMissingChats)
	}
	return nil
}

func ledgerPair(cfg *Config) ledger.Pair {
	return ledger.Pair{
		Source:      mirror.ChatID(cfg.Source),
		Destination: mirror.ChatID(cfg.Destination),
	}
}
