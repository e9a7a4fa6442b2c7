// Package chat subscribes to Telegram updates for every configured
// chat-channel/chat-group/chat-folder source and turns matching
// messages into content items (spec §4.3). It never imports gotd/td
// directly — everything it needs from the transport comes through
// chatclient.Transport.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const backfillLimit = 200

// interSourceThrottle spaces out per-source history fetches during
// backfill so a restart with many subscribed chats doesn't burst the
// transport all at once (spec §4.5-adjacent throttle, reused here for
// §4.3's own backfill pass).
var interSourceThrottle = [2]time.Duration{300 * time.Millisecond, 700 * time.Millisecond}

// Store is the narrow slice of persistence the listener needs.
type Store interface {
	Sources(ctx context.Context) ([]domain.Source, error)
	UpsertContentItem(ctx context.Context, item domain.ContentItem) (bool, error)
	FolderChannels(ctx context.Context, folderSourceID uuid.UUID) ([]domain.FolderChannel, error)
	ReplaceFolderChannels(ctx context.Context, folderSourceID uuid.UUID, members []domain.FolderChannel) error
}

// Listener consumes the chat transport's update stream and fans
// messages out to whichever sources subscribe to their chat.
type Listener struct {
	transport chatclient.Transport
	store     Store

	mu            sync.RWMutex
	subscriptions map[int64][]domain.Source // chat_id -> subscribing sources
}

// New builds a Listener. Call Run to subscribe and start consuming.
func New(transport chatclient.Transport, store Store) *Listener {
	return &Listener{transport: transport, store: store, subscriptions: map[int64][]domain.Source{}}
}

// Run resolves folder sources, builds the subscription map, performs
// historical backfill for newly seen chats, then blocks consuming live
// updates until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.reload(ctx); err != nil {
		return fmt.Errorf("initial subscription load: %w", err)
	}
	if err := l.backfillAll(ctx); err != nil {
		logger.Warn("chat: historical backfill incomplete", zap.Error(err))
	}

	return l.transport.Run(ctx, l.onMessage)
}

// reload re-resolves every chat source (including folders) and
// atomically swaps in a new subscription map — a full rebuild, not an
// incremental diff (spec §4.3, DESIGN.md "folder mutation triggers a
// full re-resolve and replace").
func (l *Listener) reload(ctx context.Context) error {
	sources, err := l.store.Sources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	next := map[int64][]domain.Source{}
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		switch src.Type {
		case domain.SourceChatChannel, domain.SourceChatGroup:
			if src.TGID == nil {
				continue
			}
			next[*src.TGID] = append(next[*src.TGID], src)
		case domain.SourceChatFolder:
			if err := l.resolveFolder(ctx, src); err != nil {
				logger.Warn("chat: folder resolution failed, keeping previous membership",
					zap.String("source", src.Name), zap.Error(err))
			}
			members, err := l.store.FolderChannels(ctx, src.ID)
			if err != nil {
				logger.Warn("chat: failed to read folder membership", zap.String("source", src.Name), zap.Error(err))
				continue
			}
			for _, m := range members {
				if !m.Enabled || excluded(src.Exclude, m.Username, m.Name) {
					continue
				}
				next[m.ChannelTGID] = append(next[m.ChannelTGID], src)
			}
		}
	}

	l.mu.Lock()
	l.subscriptions = next
	l.mu.Unlock()
	return nil
}

func (l *Listener) resolveFolder(ctx context.Context, src domain.Source) error {
	members, err := l.transport.ResolveFolder(ctx, src.TGFolderName)
	if err != nil {
		return err
	}
	folderMembers := make([]domain.FolderChannel, len(members))
	for i, m := range members {
		folderMembers[i] = domain.FolderChannel{
			FolderSourceID: src.ID, ChannelTGID: m.ChannelTGID, Name: m.Name, Username: m.Username, Enabled: true,
		}
	}
	return l.store.ReplaceFolderChannels(ctx, src.ID, folderMembers)
}

func excluded(list []string, username, name string) bool {
	for _, e := range list {
		e = strings.TrimPrefix(e, "@")
		if strings.EqualFold(e, username) || strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

func (l *Listener) backfillAll(ctx context.Context) error {
	l.mu.RLock()
	chatIDs := make([]int64, 0, len(l.subscriptions))
	for id := range l.subscriptions {
		chatIDs = append(chatIDs, id)
	}
	l.mu.RUnlock()

	var firstErr error
	for _, chatID := range chatIDs {
		messages, err := l.transport.History(ctx, chatID, backfillLimit)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, msg := range messages {
			l.onMessage(msg)
		}
		clock.SleepJitter(ctx, interSourceThrottle[0], interSourceThrottle[1])
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (l *Listener) onMessage(msg chatclient.IncomingMessage) {
	l.mu.RLock()
	sources := l.subscriptions[msg.ChatID]
	l.mu.RUnlock()
	if len(sources) == 0 {
		return
	}

	ctx := context.Background()
	now := clock.Now()
	for _, src := range sources {
		item := domain.ContentItem{
			ID:           uuid.New(),
			SourceID:     src.ID,
			IngestedAt:   now,
			OriginalDate: msg.Date,
			ContentType:  classify(msg),
			Body:         msg.Text,
			URL:          msg.URL,
			Metadata: map[string]any{
				"message_id": msg.MessageID,
				"chat_id":    msg.ChatID,
				"sender_id":  msg.SenderID,
				"is_forward": msg.IsForward,
			},
			DedupKey:        dedupKey(msg),
			UpstreamChanged: msg.IsEdit,
		}
		if _, err := l.store.UpsertContentItem(ctx, item); err != nil {
			logger.Warn("chat: failed to store content item", zap.String("source", src.Name), zap.Error(err))
		}
	}
}

func classify(msg chatclient.IncomingMessage) domain.ContentType {
	if msg.IsForward {
		return domain.ContentForward
	}
	return domain.ContentText
}

func dedupKey(msg chatclient.IncomingMessage) string {
	return fmt.Sprintf("tg:%d:%d", msg.ChatID, msg.MessageID)
}
