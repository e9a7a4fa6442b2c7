package main

import (
	"context"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/store"
)

// connectedTransport wraps a running chatclient.Client for one-shot CLI
// use (runGenerate's optional content fetch, spec §4.5 step 3): Run is
// launched in a background goroutine and Close tears it down, mirroring
// the daemon's lifecycle-managed start/stop pair on a much shorter
// lease.
type connectedTransport struct {
	Client *chatclient.Client
	cancel context.CancelFunc
	done   chan error
}

// dialChatClient connects the chat transport and blocks until Self has
// resolved and peer-cache warmup has finished, so History/MarkRead
// calls issued right after return succeed.
func dialChatClient(parent context.Context, cfg *config.Config, db *store.Store) (*connectedTransport, error) {
	client := chatclient.NewClient(chatclient.Config{
		APIID:   cfg.Telegram.APIID,
		APIHash: cfg.Telegram.APIHash,
		Phone:   cfg.Telegram.PhoneNumber,
		Store:   db,
	})

	ctx, cancel := context.WithCancel(parent)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(chatclient.IncomingMessage) {})
	}()

	if err := client.WaitReady(parent); err != nil {
		cancel()
		<-done
		return nil, err
	}

	return &connectedTransport{Client: client, cancel: cancel, done: done}, nil
}

func (c *connectedTransport) Close() {
	c.cancel()
	<-c.done
}
