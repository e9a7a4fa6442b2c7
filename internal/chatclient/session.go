// Package chatclient is the narrow boundary between pail and the MTProto
// chat transport (gotd/td). It never lets gotd/td types leak past this
// package's exported surface further than necessary, per spec §4.7 and
// the out-of-scope note in spec §1 ("the chat-protocol transport library
// itself... the core consumes it via a narrow interface").
package chatclient

import "context"

// PeerKind disambiguates PeerID, mirroring gotd/td's own PeerID.Kind().
type PeerKind int

const (
	PeerKindUser PeerKind = iota
	PeerKindChat
	PeerKindChannel
)

// PeerSubtype is a bitfield describing what a cached peer is. Values are
// tested as bit masks, not compared for equality, because a channel can
// simultaneously be e.g. a megagroup, and a user can be both self and a
// bot (historically, for service accounts).
type PeerSubtype int

const (
	SubtypeUserSelf   PeerSubtype = 1
	SubtypeUserBot    PeerSubtype = 2
	SubtypeUserSelfBot PeerSubtype = SubtypeUserSelf | SubtypeUserBot
	SubtypeMegagroup  PeerSubtype = 4
	SubtypeBroadcast  PeerSubtype = 8
	SubtypeGigagroup  PeerSubtype = SubtypeBroadcast | SubtypeMegagroup
)

// PeerInfo is a cached peer: its stable id, the access hash the
// transport needs to address it, and its subtype bitfield.
type PeerInfo struct {
	PeerID  int64
	Kind    PeerKind
	Hash    int64
	Subtype PeerSubtype
}

// DCOption is one cached data-center connection parameter set.
type DCOption struct {
	DCID     int
	IPAddr   string
	Port     int
	IsIPv6   bool
	AuthKey  []byte // at most 256 bytes; nil if not yet authenticated
}

// UpdateStateKind is the tagged variant discriminator for UpdateState.
type UpdateStateKind string

const (
	UpdateStateReplaceAll UpdateStateKind = "replace-all"
	UpdateStatePrimary    UpdateStateKind = "primary"
	UpdateStateSecondary  UpdateStateKind = "secondary"
	UpdateStatePerChannel UpdateStateKind = "per-channel"
)

// UpdateState is a sum type over the four ways the transport asks the
// session store to persist its updates position (spec §4.7).
type UpdateState struct {
	Kind UpdateStateKind

	// UpdateStatePrimary
	PTS  int
	Date int
	Seq  int

	// UpdateStateSecondary
	QTS int

	// UpdateStatePerChannel
	ChannelID int64
	// PTS reused for per-channel pts.
}

// UpdatesState is the full primary updates position snapshot returned
// by SessionStore.UpdatesState.
type UpdatesState struct {
	PTS  int
	QTS  int
	Date int
	Seq  int
}

// SessionStore is the persistence contract the chat transport is driven
// through. Synchronous methods are served from an in-memory mirror
// populated once at load (spec §4.7, §9 "Dynamic dispatch"); the async
// methods both update that mirror and durably persist to the database.
type SessionStore interface {
	// Synchronous reads, served from the in-memory mirror.
	HomeDCID() int
	DCOption(dcID int) (DCOption, bool)

	// Asynchronous reads and writes.
	SetHomeDCID(ctx context.Context, id int) error
	SetDCOption(ctx context.Context, opt DCOption) error
	Peer(ctx context.Context, peerID int64) (PeerInfo, bool, error)
	CachePeer(ctx context.Context, info PeerInfo) error
	UpdatesState(ctx context.Context) (UpdatesState, error)
	SetUpdateState(ctx context.Context, state UpdateState) error

	// RawSession persists the transport's own opaque MTProto auth
	// session blob (the gotd/td session.Storage contract), kept
	// alongside the structured state above rather than in a separate
	// file, so the whole chat session lives in one database.
	RawSession(ctx context.Context) ([]byte, bool, error)
	SetRawSession(ctx context.Context, data []byte) error
}

// KnownDC is one entry of the hard-coded data-center fallback table
// consulted when DCOption has not yet cached a value (spec §4.7).
type KnownDC struct {
	DCID   int
	IPv4   string
	IPv6   string
	Port   int
}

// KnownDCs is Telegram's well-known production data-center table. It
// only supplies a bootstrap address; once the transport authenticates
// against a DC, the resulting DCOption (with its auth key) supersedes
// this table via SetDCOption.
var KnownDCs = []KnownDC{
	{DCID: 1, IPv4: "149.154.175.53", IPv6: "2001:b28:f23d:f001::a", Port: 443},
	{DCID: 2, IPv4: "149.154.167.51", IPv6: "2001:67c:4e8:f002::a", Port: 443},
	{DCID: 3, IPv4: "149.154.175.100", IPv6: "2001:b28:f23d:f003::a", Port: 443},
	{DCID: 4, IPv4: "149.154.167.91", IPv6: "2001:67c:4e8:f004::a", Port: 443},
	{DCID: 5, IPv4: "91.108.56.130", IPv6: "2001:b28:f23f:f005::a", Port: 443},
}
