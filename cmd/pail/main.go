// Command pail runs the lurker daemon: it ingests web feeds and
// Telegram chats, periodically generates digest articles through an
// external generative subprocess, and serves them as an authenticated
// Atom feed. Bootstrap follows the teacher's cmd/userbot/main.go shape
// (flags -> config -> logger -> signal context -> run), generalized
// from a single always-running app into a small subcommand dispatch
// (daemon default, validate, generate, tg login, tg status).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to pail's TOML configuration file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	cmd := "daemon"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "daemon":
		err = runDaemon(*configPath)
	case "validate":
		err = runValidate(*configPath)
	case "generate":
		err = runGenerate(*configPath, args)
	case "tg":
		err = runTG(*configPath, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "pail:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `pail [--config PATH] <command> [args]

Commands:
  daemon                                    run the lurker daemon (default)
  validate                                  check the configuration file and exit
  generate <slug> [--output PATH] [--since DUR | --from RFC3339 --to RFC3339]
                                             run one channel's generation pipeline
  tg login                                  interactively authenticate the chat transport
  tg status                                 print the current chat session state`)
}

// signalContext mirrors the teacher's signal.NotifyContext(os.Interrupt,
// syscall.SIGTERM) bootstrap step.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runValidate(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger.Init(cfg.Pail.LogLevel)
	fmt.Printf("config OK: %d sources, %d output channels\n", len(cfg.Sources), len(cfg.Channels))
	return nil
}
