package main

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/store"
)

// runTG dispatches pail's two interactive chat-transport operator
// commands (spec §6's CLI table): "tg login" walks phone/code/2FA
// interactively; "tg status" prints the current session state.
func runTG(configPath string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pail tg <login|status>")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return fmt.Errorf("config's [telegram] table has no api_id/api_hash")
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := store.Open(ctx, cfg.DatabasePath(), cfg.Database.MaxConnections)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	client := chatclient.NewClient(chatclient.Config{
		APIID:   cfg.Telegram.APIID,
		APIHash: cfg.Telegram.APIHash,
		Phone:   cfg.Telegram.PhoneNumber,
		Store:   db,
	})

	switch args[0] {
	case "login":
		return runTGLogin(ctx, client, cfg)
	case "status":
		return runTGStatus(ctx, client, db)
	default:
		return fmt.Errorf("unknown tg subcommand %q (want login or status)", args[0])
	}
}

func runTGLogin(ctx context.Context, client *chatclient.Client, cfg *config.Config) error {
	rl, err := readline.New("")
	if err != nil {
		return fmt.Errorf("open readline: %w", err)
	}
	defer rl.Close()

	authenticator := terminalAuthenticator{rl: rl, phone: cfg.Telegram.PhoneNumber}
	if err := client.LoginIfNecessary(ctx, authenticator); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	self, err := client.Self(ctx)
	if err != nil {
		return fmt.Errorf("resolve logged-in account: %w", err)
	}
	fmt.Printf("logged in as %s %s (@%s, id %d)\n", self.FirstName, self.LastName, self.Username, self.ID)
	return nil
}

func runTGStatus(ctx context.Context, client *chatclient.Client, db *store.Store) error {
	authenticated, err := client.Authenticated(ctx)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !authenticated {
		fmt.Println("not logged in (run `pail tg login`)")
		return nil
	}

	state, err := db.UpdatesState(ctx)
	if err != nil {
		return fmt.Errorf("read updates state: %w", err)
	}
	fmt.Printf("logged in; home dc %d; updates pts=%d qts=%d date=%d seq=%d\n",
		db.HomeDCID(), state.PTS, state.QTS, state.Date, state.Seq)

	selfCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if self, err := client.Self(selfCtx); err == nil {
		fmt.Printf("account: %s %s (@%s, id %d)\n", self.FirstName, self.LastName, self.Username, self.ID)
	}
	return nil
}

// terminalAuthenticator implements gotd/td's auth.UserAuthenticator by
// prompting on a readline.Instance, adapted from the teacher's
// internal/telegram/auth.TerminalAuthenticator: same phone/code/
// password/ToS/sign-up prompts, generalized off the teacher's shared
// package-level readline instance (internal/infra/pr) onto a
// locally-owned one since pail's CLI commands run one at a time rather
// than alongside a live logger writer.
type terminalAuthenticator struct {
	rl    *readline.Instance
	phone string
}

var _ auth.UserAuthenticator = terminalAuthenticator{}

func (t terminalAuthenticator) readLine(prompt string) (string, error) {
	t.rl.SetPrompt(prompt)
	line, err := t.rl.Readline()
	return strings.TrimSpace(line), err
}

func (t terminalAuthenticator) Phone(_ context.Context) (string, error) {
	if t.phone != "" {
		return t.phone, nil
	}
	return t.readLine("Phone number (E.164): ")
}

func (t terminalAuthenticator) Code(_ context.Context, sentCode *tg.AuthSentCode) (string, error) {
	return t.readLine("Enter the code Telegram sent you: ")
}

func (t terminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("Enter 2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

func (t terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service:\n%s\n", tos.Text)
	resp, err := t.readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

func (t terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := t.readLine("First name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := t.readLine("Last name (optional): ")
	return auth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}
