package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/httpserver"
	"github.com/kvlt/pail/internal/ingest/chat"
	"github.com/kvlt/pail/internal/ingest/webfeed"
	"github.com/kvlt/pail/internal/lifecycle"
	"github.com/kvlt/pail/internal/logger"
	"github.com/kvlt/pail/internal/pipeline"
	"github.com/kvlt/pail/internal/retention"
	"github.com/kvlt/pail/internal/scheduler"
	"github.com/kvlt/pail/internal/store"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

// runDaemon wires the five cooperative background tasks (web-feed
// poller, chat listener, scheduler, retention cleaner, http server)
// through a lifecycle.Manager, mirroring the teacher's
// startAllServices/stopAllServices pair in internal/app/runner.go but
// generalized from a bespoke linear sequence into the dependency-ordered
// manager (see internal/lifecycle).
func runDaemon(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Pail.LogLevel)
	clock.SetLocation(cfg.Location)

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
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

	srv := httpserver.New(db, cfg.Pail.Listen)
	if err := srv.BootstrapToken(ctx, cfg.Pail.FeedToken); err != nil {
		return fmt.Errorf("bootstrap feed token: %w", err)
	}

	poller := webfeed.New(db, nil)

	var transport chatclient.Transport
	var client *chatclient.Client
	if needsChatTransport(cfg) {
		client = chatclient.NewClient(chatclient.Config{
			APIID:   cfg.Telegram.APIID,
			APIHash: cfg.Telegram.APIHash,
			Phone:   cfg.Telegram.PhoneNumber,
			Store:   db,
		})
		transport = client
	}

	pl := pipeline.New(db, cfg, poller)

	retentionDuration, err := config.ParseDuration(cfg.Pail.Retention)
	if err != nil {
		retentionDuration = 0 // retention.New substitutes its own default
	}
	cleaner := retention.New(db, retentionDuration)

	sched := scheduler.New(db.OutputChannels, func(ctx context.Context, channel domain.OutputChannel) error {
		outcome, err := pl.Run(ctx, pipeline.Request{ChannelSlug: channel.Slug, Transport: transport})
		if err != nil {
			return err
		}
		logger.Info("scheduler: generation run finished",
			zap.String("channel", channel.Slug), zap.String("status", outcome.Status))
		return nil
	}, cfg.Pail.MaxConcurrentGenerations)

	mgr := lifecycle.New(ctx)
	registerRunStop(mgr, "webfeed", "", nil, poller.Run)
	if client != nil {
		listener := chat.New(transport, db)
		registerRunStop(mgr, "chat-listener", "", nil, listener.Run)
	}
	registerRunStop(mgr, "scheduler", "", nil, sched.Run)
	registerRunStop(mgr, "retention", "", nil, cleaner.Run)
	if err := mgr.Register("http-server", "", nil,
		func(ctx context.Context) (context.Context, error) {
			go func() {
				if err := srv.Start(ctx); err != nil {
					logger.Error("http-server: stopped with error", zap.Error(err))
				}
			}()
			return nil, nil
		},
		func(context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	); err != nil {
		return fmt.Errorf("register http-server: %w", err)
	}

	if err := mgr.StartAll(); err != nil {
		mgr.Shutdown()
		return fmt.Errorf("start services: %w", err)
	}
	logger.Info("pail daemon running", zap.String("listen", cfg.Pail.Listen))

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping services")
	if err := mgr.Shutdown(); err != nil {
		logger.Error("shutdown completed with errors", zap.Error(err))
	}
	return nil
}

func needsChatTransport(cfg *config.Config) bool {
	for _, s := range cfg.Sources {
		switch domain.SourceType(s.Type) {
		case domain.SourceChatChannel, domain.SourceChatGroup, domain.SourceChatFolder:
			return true
		}
	}
	return false
}

// registerRunStop adapts a blocking Run(ctx) error function (the shape
// every daemon task in this repo exposes) to lifecycle's start/stop
// pair: start launches it in a goroutine and returns immediately, stop
// waits for that goroutine to observe the already-cancelled context and
// return — the same "cancel, then WaitGroup.Wait" idiom as the
// teacher's Runner.stopAllServices for its updates_manager goroutine.
// The passed-in ctx at stop time is already cancelled by the manager,
// so stop just blocks on the goroutine's completion rather than
// selecting on it again.
func registerRunStop(mgr *lifecycle.Manager, name, parent string, deps []string, run func(context.Context) error) {
	done := make(chan error, 1)
	_ = mgr.Register(name, parent, deps,
		func(ctx context.Context) (context.Context, error) {
			go func() { done <- run(ctx) }()
			return nil, nil
		},
		func(context.Context) error {
			return <-done
		},
	)
}
