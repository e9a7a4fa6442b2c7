package chatclient

import (
	"context"
	"time"
)

// IncomingMessage is the transport-agnostic shape internal/ingest/chat
// consumes — stripped down from tg.Message to exactly what pail's
// content model needs, so nothing downstream of this package imports
// gotd/td directly (spec §1, §4.7: "the core consumes [the transport]
// via a narrow interface").
type IncomingMessage struct {
	ChatID    int64
	MessageID int
	Date      time.Time
	Text      string
	URL       string
	SenderID  int64
	IsForward bool
	IsEdit    bool
}

// Transport is the narrow surface internal/ingest/chat is built
// against. The concrete implementation (Client, in this package) wraps
// gotd/td; tests substitute a fake.
type Transport interface {
	// Run starts the update loop and blocks until ctx is cancelled,
	// invoking onMessage for every new or edited message observed on a
	// subscribed chat.
	Run(ctx context.Context, onMessage func(IncomingMessage)) error

	// History returns up to limit of the most recent messages in
	// chatID, newest first, for historical backfill on first
	// subscription.
	History(ctx context.Context, chatID int64, limit int) ([]IncomingMessage, error)

	// ResolveFolder returns the channel/group peers currently included
	// in the named dialog filter (Telegram "folder").
	ResolveFolder(ctx context.Context, folderName string) ([]FolderMember, error)

	// MarkRead marks chatID's messages as read up to maxMessageID.
	MarkRead(ctx context.Context, chatID int64, maxMessageID int) error
}

// FolderMember is one peer included in a resolved dialog filter.
type FolderMember struct {
	ChannelTGID int64
	Name        string
	Username    string
}
