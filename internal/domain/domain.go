// Package domain holds the entities in spec §3: sources, output
// channels, ingested content, generated articles, settings, and the
// narrow types the chat-session store persists. Nothing here touches
// the database or the network; internal/store and internal/chatclient
// translate to and from these types.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SourceType names the kind of feed a Source ingests from.
type SourceType string

const (
	SourceWebFeed    SourceType = "web-feed"
	SourceChatChannel SourceType = "chat-channel"
	SourceChatGroup   SourceType = "chat-group"
	SourceChatFolder  SourceType = "chat-folder"
)

// AuthKind is the tagged variant discriminator for Source.Auth.
type AuthKind string

const (
	AuthBasic        AuthKind = "basic"
	AuthBearer       AuthKind = "bearer"
	AuthCustomHeader AuthKind = "custom-header"
)

// AuthSpec is a sum type over the three supported web-feed auth
// variants. Exactly one of the fields relevant to Kind is populated;
// the others are zero. Handling must switch exhaustively on Kind.
type AuthSpec struct {
	Kind AuthKind

	// AuthBasic
	Username string
	Password string

	// AuthBearer
	Token string

	// AuthCustomHeader
	HeaderName  string
	HeaderValue string
}

// Source is a feed to ingest from.
type Source struct {
	ID      uuid.UUID
	Type    SourceType
	Name    string
	Enabled bool

	// Web-feed fields.
	URL          string
	PollInterval time.Duration
	MaxItems     int32
	Auth         *AuthSpec

	// Chat fields.
	TGID         *int64
	TGUsername   string
	TGFolderName string
	TGFolderID   *int64
	Exclude      []string

	// Fetch state.
	LastFetchedAt      *time.Time
	LastETag           string
	LastModifiedHeader string

	Description string
}

// OutputChannel is a named digest destination.
type OutputChannel struct {
	ID            uuid.UUID
	Name          string
	Slug          string
	Schedule      *ScheduleSpec
	Prompt        string
	Model         string
	Language      string
	Enabled       bool
	LastGenerated *time.Time
	MarkTGRead    bool
	SourceIDs     []uuid.UUID
}

// ScheduleKind is the tagged variant discriminator for ScheduleSpec.
type ScheduleKind string

const (
	ScheduleAt     ScheduleKind = "at"
	ScheduleWeekly ScheduleKind = "weekly"
	ScheduleCron   ScheduleKind = "cron"
)

// ScheduleSpec is a sum type over the three schedule grammars in spec
// §4.1. Raw retains the original string for error messages and for the
// cron variant, which is parsed lazily by the scheduler.
type ScheduleSpec struct {
	Kind Kind
	Raw  string

	// ScheduleAt: one or more HH:MM wall-clock times.
	Times []ClockTime

	// ScheduleWeekly.
	Weekday time.Weekday
	At      ClockTime

	// ScheduleCron: the 5-field expression, unparsed until first use.
	CronExpr string
}

// Kind is an alias kept for readability at call sites (ScheduleSpec.Kind).
type Kind = ScheduleKind

// ClockTime is a wall-clock HH:MM with no date or zone attached.
type ClockTime struct {
	Hour   int
	Minute int
}

// ContentType classifies a ContentItem.
type ContentType string

const (
	ContentText    ContentType = "text"
	ContentLink    ContentType = "link"
	ContentMedia   ContentType = "media"
	ContentForward ContentType = "forward"
)

// ContentItem is a single normalized ingested unit.
type ContentItem struct {
	ID              uuid.UUID
	SourceID        uuid.UUID
	IngestedAt      time.Time
	OriginalDate    time.Time
	ContentType     ContentType
	Title           string
	Body            string
	URL             string
	Author          string
	Metadata        map[string]any
	DedupKey        string
	UpstreamChanged bool
}

// GeneratedArticle is an immutable digest output.
type GeneratedArticle struct {
	ID              uuid.UUID
	OutputChannelID uuid.UUID
	GeneratedAt     time.Time
	CoversFrom      time.Time
	CoversTo        time.Time
	Title           string
	Topics          []string
	BodyHTML        string
	BodyMarkdown    string
	ContentItemIDs  []uuid.UUID
	GenerationLog   string
	ModelUsed       string
	TokenCount      *int64
}

// FolderChannel is the resolved membership of a chat-folder source.
type FolderChannel struct {
	FolderSourceID uuid.UUID
	ChannelTGID    int64
	Name           string
	Username       string
	Enabled        bool
}
