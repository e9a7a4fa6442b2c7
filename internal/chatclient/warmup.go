package chatclient

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const (
	dialogPageLimit = 100
	zeroOffset      = 0
)

// WarmPeerCache walks the user's full dialog list once, caching every
// user/chat/channel access hash it sees. Sources configured by numeric
// id alone never trigger a resolve call of their own, so without this
// pass those peers would be uncached and both History and MarkRead
// would fail the first time they're needed (spec §4.3). Pagination
// follows the (offset_date, offset_id, offset_peer) walk the teacher's
// dialogs_fetch.go uses against the same MessagesGetDialogs endpoint.
func (c *Client) WarmPeerCache(ctx context.Context) error {
	offsetDate := zeroOffset
	offsetID := zeroOffset
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)

	cached := 0
	for {
		resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageLimit,
		})
		if err != nil {
			return fmt.Errorf("warm peer cache: get dialogs: %w", err)
		}

		batch, ok := normalizeDialogs(resp)
		if !ok {
			break
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		for _, entity := range batch.Users {
			user, ok := entity.(*tg.User)
			if !ok {
				continue
			}
			userHashes[user.ID] = user.AccessHash
			if err := c.store.CachePeer(ctx, PeerInfo{
				PeerID:  user.ID,
				Kind:    PeerKindUser,
				Hash:    user.AccessHash,
				Subtype: userSubtype(user),
			}); err != nil {
				return fmt.Errorf("warm peer cache: cache user %d: %w", user.ID, err)
			}
			cached++
		}
		for _, entity := range batch.Chats {
			switch ch := entity.(type) {
			case *tg.Channel:
				channelHashes[ch.ID] = ch.AccessHash
				if err := c.store.CachePeer(ctx, PeerInfo{
					PeerID:  ch.ID,
					Kind:    PeerKindChannel,
					Hash:    ch.AccessHash,
					Subtype: channelSubtype(ch),
				}); err != nil {
					return fmt.Errorf("warm peer cache: cache channel %d: %w", ch.ID, err)
				}
				cached++
			case *tg.Chat:
				if err := c.store.CachePeer(ctx, PeerInfo{
					PeerID: ch.ID,
					Kind:   PeerKindChat,
				}); err != nil {
					return fmt.Errorf("warm peer cache: cache chat %d: %w", ch.ID, err)
				}
				cached++
			}
		}

		last := batch.Dialogs[len(batch.Dialogs)-1]
		prevDate, prevID := offsetDate, offsetID
		switch dlg := last.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInputPeer(dlg.Peer, userHashes, channelHashes)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInputPeer(dlg.Peer, userHashes, channelHashes)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}
		if offsetDate == zeroOffset {
			offsetDate = prevDate
		}
		if offsetID == zeroOffset {
			offsetID = prevID
		}
		if offsetPeer == nil {
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(batch.Dialogs) < dialogPageLimit {
			break
		}
		clock.SleepJitter(ctx, 500*time.Millisecond, 1500*time.Millisecond)
	}

	logger.Info("chat transport: peer cache warmed", zap.Int("peers_cached", cached))
	return nil
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, bool) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, true
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{Dialogs: data.Dialogs, Messages: data.Messages, Chats: data.Chats, Users: data.Users}, true
	default:
		return nil, false
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, m := range messages {
		switch item := m.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return zeroOffset
}

func dialogPeerToInputPeer(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: p.UserID, AccessHash: userHashes[p.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: channelHashes[p.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}

func userSubtype(u *tg.User) PeerSubtype {
	var s PeerSubtype
	if u.Self {
		s |= SubtypeUserSelf
	}
	if u.Bot {
		s |= SubtypeUserBot
	}
	return s
}

func channelSubtype(ch *tg.Channel) PeerSubtype {
	var s PeerSubtype
	if ch.Megagroup {
		s |= SubtypeMegagroup
	}
	if ch.Broadcast {
		s |= SubtypeBroadcast
	}
	return s
}
