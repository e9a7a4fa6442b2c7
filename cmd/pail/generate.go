package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/ingest/webfeed"
	"github.com/kvlt/pail/internal/logger"
	"github.com/kvlt/pail/internal/pipeline"
	"github.com/kvlt/pail/internal/store"
	"go.uber.org/zap"
)

// runGenerate runs one channel's generation pipeline in CLI mode
// (fetch_content = true, spec §4.5 Inputs), the way the teacher's
// cmd/userbot/main.go dispatches a one-shot subcommand ahead of the
// always-running daemon path.
func runGenerate(configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("generate requires a channel slug argument")
	}
	slug := args[0]

	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	output := fs.String("output", "", "write the subprocess's raw output.md to this path")
	since := fs.String("since", "", "relative window ending now, e.g. 24h")
	from := fs.String("from", "", "RFC3339 window start, requires --to")
	to := fs.String("to", "", "RFC3339 window end, requires --from")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("generate: unexpected extra arguments %v", fs.Args())
	}

	if (*from == "") != (*to == "") {
		return fmt.Errorf("--from and --to must be given together")
	}
	if *since != "" && (*from != "" || *to != "") {
		return fmt.Errorf("--since is mutually exclusive with --from/--to")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Pail.LogLevel)
	clock.SetLocation(cfg.Location)

	var window pipeline.Window
	switch {
	case *since != "":
		d, err := time.ParseDuration(*since)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		window.Since = d
	case *from != "":
		fromT, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		toT, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		window.From, window.To = fromT, toT
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := store.Open(ctx, cfg.DatabasePath(), cfg.Database.MaxConnections)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.Reconcile(ctx, cfg); err != nil {
		return fmt.Errorf("reconcile config: %w", err)
	}

	var transport chatclient.Transport
	if needsChatTransport(cfg) {
		client, err := dialChatClient(ctx, cfg, db)
		if err != nil {
			return fmt.Errorf("connect chat transport: %w", err)
		}
		defer client.Close()
		transport = client.Client
	}

	fetcher := webfeed.New(db, nil)
	pl := pipeline.New(db, cfg, fetcher)

	outcome, err := pl.Run(ctx, pipeline.Request{
		ChannelSlug:  slug,
		Window:       window,
		FetchContent: true,
		Transport:    transport,
	})
	if err != nil {
		return fmt.Errorf("generate %s: %w", slug, err)
	}

	logger.Info("generate: run finished", zap.String("channel", slug), zap.String("status", outcome.Status))
	fmt.Printf("%s: %s\n", slug, outcome.Status)

	if *output != "" && outcome.Article != nil {
		if err := os.WriteFile(*output, []byte(outcome.Article.GenerationLog), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}
