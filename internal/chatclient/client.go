package chatclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

// Client is the gotd/td-backed implementation of Transport. It owns
// the MTProto connection, the update dispatcher, and the floodwait
// middleware, the way the teacher's internal/adapters/telegram/core
// wraps *telegram.Client — generalized from the teacher's bot-account
// single-peer usage to pail's many-subscribed-chats fan-in.
type Client struct {
	apiID   int
	apiHash string
	phone   string
	store   SessionStore

	client *telegram.Client
	api    *tg.Client
	dp     tg.UpdateDispatcher
	mgr    *tgupdates.Manager

	mu    sync.RWMutex
	onNew func(IncomingMessage)

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Transport = (*Client)(nil)

// Config bundles a Client's construction parameters.
type Config struct {
	APIID   int
	APIHash string
	Phone   string
	Store   SessionStore
}

// NewClient builds an unconnected Client; call Run to start the
// connection and update loop.
func NewClient(cfg Config) *Client {
	dp := tg.NewUpdateDispatcher()
	c := &Client{
		apiID:   cfg.APIID,
		apiHash: cfg.APIHash,
		phone:   cfg.Phone,
		store:   cfg.Store,
		dp:      dp,
		ready:   make(chan struct{}),
	}

	c.mgr = tgupdates.New(tgupdates.Config{Handler: dp})

	waiter := floodwait.NewWaiter().WithMaxRetries(5)

	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &sessionAdapter{store: cfg.Store},
		UpdateHandler:  c.mgr,
		Middlewares:    []telegram.Middleware{waiter},
		Device: telegram.DeviceConfig{
			DeviceModel:   "pail",
			SystemVersion: "linux",
			AppVersion:    "1.0",
		},
	})
	c.api = tg.NewClient(c.client)

	dp.OnNewMessage(c.handleNewMessage)
	dp.OnNewChannelMessage(c.handleNewChannelMessage)
	dp.OnEditMessage(c.handleEditMessage)
	dp.OnEditChannelMessage(c.handleEditChannelMessage)

	return c
}

// Authenticated reports whether a stored MTProto session already
// exists, so cmd/pail can decide between "tg login" and connecting
// straight away.
func (c *Client) Authenticated(ctx context.Context) (bool, error) {
	_, ok, err := c.store.RawSession(ctx)
	return ok, err
}

// WaitReady blocks until Run has resolved Self and finished peer-cache
// warmup, or ctx is cancelled first. Callers that need History/MarkRead
// to work (CLI-mode content fetch, spec §4.5 step 3) call this right
// after launching Run in a background goroutine.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Self returns the logged-in account, resolving a fresh connection if
// necessary. Used by "tg status" and by the post-login confirmation
// printed by "tg login".
func (c *Client) Self(ctx context.Context) (*tg.User, error) {
	var self *tg.User
	err := c.client.Run(ctx, func(ctx context.Context) error {
		u, err := c.client.Self(ctx)
		if err != nil {
			return err
		}
		self = u
		return nil
	})
	return self, err
}

// LoginIfNecessary drives gotd/td's interactive auth flow with the
// given authenticator if no session is stored yet, the way the
// teacher's Runner.loginSelf calls client.Auth().IfNecessary with its
// own TerminalAuthenticator (internal/app/runner.go).
func (c *Client) LoginIfNecessary(ctx context.Context, authenticator auth.UserAuthenticator) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})
		return c.client.Auth().IfNecessary(ctx, flow)
	})
}

// Run connects, brings the update manager's recovery pass up to date,
// and blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context, onMessage func(IncomingMessage)) error {
	c.mu.Lock()
	c.onNew = onMessage
	c.mu.Unlock()

	return c.client.Run(ctx, func(ctx context.Context) error {
		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("resolve self: %w", err)
		}
		logger.Info("chat transport connected", zap.Int64("user_id", self.ID))

		if err := c.WarmPeerCache(ctx); err != nil {
			logger.Warn("chat transport: peer cache warmup failed, numeric-id-only sources may not resolve", zap.Error(err))
		}

		c.readyOnce.Do(func() { close(c.ready) })

		return c.mgr.Run(ctx, c.api, self.ID, tgupdates.AuthOptions{
			IsBot: false,
			OnStart: func(ctx context.Context) {
				logger.Debug("chat transport update recovery complete")
			},
		})
	})
}

func (c *Client) emit(msg IncomingMessage) {
	c.mu.RLock()
	onNew := c.onNew
	c.mu.RUnlock()
	if onNew != nil {
		onNew(msg)
	}
}

func (c *Client) handleNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	c.emit(messageToIncoming(msg, false))
	return nil
}

func (c *Client) handleNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	c.emit(messageToIncoming(msg, false))
	return nil
}

func (c *Client) handleEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	c.emit(messageToIncoming(msg, true))
	return nil
}

func (c *Client) handleEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	c.emit(messageToIncoming(msg, true))
	return nil
}

func messageToIncoming(msg *tg.Message, isEdit bool) IncomingMessage {
	chatID := peerID(msg.PeerID)
	return IncomingMessage{
		ChatID:    chatID,
		MessageID: msg.ID,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Message,
		SenderID:  senderID(msg),
		IsForward: msg.FwdFrom != nil,
		IsEdit:    isEdit,
	}
}

func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return v.ChatID
	case *tg.PeerChannel:
		return v.ChannelID
	default:
		return 0
	}
}

func senderID(msg *tg.Message) int64 {
	if msg.FromID == nil {
		return 0
	}
	if u, ok := msg.FromID.(*tg.PeerUser); ok {
		return u.UserID
	}
	return 0
}

// History fetches recent messages from a chat for backfill.
func (c *Client) History(ctx context.Context, chatID int64, limit int) ([]IncomingMessage, error) {
	peer, ok, err := c.store.Peer(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %d: %w", chatID, err)
	}
	if !ok {
		return nil, fmt.Errorf("peer %d not cached, cannot backfill", chatID)
	}

	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(peer),
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get history for %d: %w", chatID, err)
	}

	var messages []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesMessages:
		messages = h.Messages
	case *tg.MessagesMessagesSlice:
		messages = h.Messages
	case *tg.MessagesChannelMessages:
		messages = h.Messages
	}

	out := make([]IncomingMessage, 0, len(messages))
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, messageToIncoming(msg, false))
		}
	}
	return out, nil
}

func inputPeer(p PeerInfo) tg.InputPeerClass {
	switch p.Kind {
	case PeerKindUser:
		return &tg.InputPeerUser{UserID: p.PeerID, AccessHash: p.Hash}
	case PeerKindChat:
		return &tg.InputPeerChat{ChatID: p.PeerID}
	case PeerKindChannel:
		return &tg.InputPeerChannel{ChannelID: p.PeerID, AccessHash: p.Hash}
	default:
		return &tg.InputPeerEmpty{}
	}
}

// ResolveFolder reads Telegram's dialog filters and returns the
// channel/group peers currently included in the one named folderName
// (spec §4.3's folder source resolution).
func (c *Client) ResolveFolder(ctx context.Context, folderName string) ([]FolderMember, error) {
	filters, err := c.api.MessagesGetDialogFilters(ctx)
	if err != nil {
		return nil, fmt.Errorf("get dialog filters: %w", err)
	}

	for _, f := range filters.GetFilters() {
		dialogFilter, ok := f.(*tg.DialogFilter)
		if !ok || dialogFilter.Title.Text != folderName {
			continue
		}
		members := make([]FolderMember, 0, len(dialogFilter.IncludePeers)+len(dialogFilter.PinnedPeers))
		for _, ip := range append(append([]tg.InputPeerClass{}, dialogFilter.PinnedPeers...), dialogFilter.IncludePeers...) {
			member, ok := folderMemberFromInputPeer(ip)
			if ok {
				members = append(members, member)
			}
		}
		return members, nil
	}
	return nil, fmt.Errorf("dialog filter %q not found", folderName)
}

func folderMemberFromInputPeer(ip tg.InputPeerClass) (FolderMember, bool) {
	switch v := ip.(type) {
	case *tg.InputPeerChannel:
		return FolderMember{ChannelTGID: v.ChannelID}, true
	case *tg.InputPeerChat:
		return FolderMember{ChannelTGID: v.ChatID}, true
	default:
		return FolderMember{}, false
	}
}

// MarkRead marks chatID's messages as read up to maxMessageID, the
// highest message id the pipeline observed in its generation window
// (spec §4.5 step 9) — not "read everything", which is what an unset
// MaxID would mean to both read-history RPCs.
func (c *Client) MarkRead(ctx context.Context, chatID int64, maxMessageID int) error {
	peer, ok, err := c.store.Peer(ctx, chatID)
	if err != nil {
		return fmt.Errorf("resolve peer %d: %w", chatID, err)
	}
	if !ok {
		return fmt.Errorf("peer %d not cached, cannot mark read", chatID)
	}
	switch peer.Kind {
	case PeerKindChannel:
		_, err = c.api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: &tg.InputChannel{ChannelID: peer.PeerID, AccessHash: peer.Hash},
			MaxID:   maxMessageID,
		})
	default:
		_, err = c.api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer:  inputPeer(peer),
			MaxID: maxMessageID,
		})
	}
	if err != nil {
		return fmt.Errorf("mark read %d: %w", chatID, err)
	}
	return nil
}

// sessionAdapter bridges gotd/td's own opaque session.Storage contract
// onto SessionStore.RawSession, so the MTProto auth blob lives in the
// same database as everything else (spec §4.7).
type sessionAdapter struct {
	store SessionStore
}

var _ session.Storage = (*sessionAdapter)(nil)

func (a *sessionAdapter) LoadSession(ctx context.Context) ([]byte, error) {
	data, ok, err := a.store.RawSession(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrNotFound
	}
	return data, nil
}

func (a *sessionAdapter) StoreSession(ctx context.Context, data []byte) error {
	return a.store.SetRawSession(ctx, data)
}
