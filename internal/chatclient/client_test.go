package chatclient

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestPeerID(t *testing.T) {
	cases := []struct {
		name string
		peer tg.PeerClass
		want int64
	}{
		{"user", &tg.PeerUser{UserID: 42}, 42},
		{"chat", &tg.PeerChat{ChatID: 7}, 7},
		{"channel", &tg.PeerChannel{ChannelID: 99}, 99},
		{"unknown", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := peerID(tc.peer); got != tc.want {
				t.Fatalf("peerID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSenderID(t *testing.T) {
	if got := senderID(&tg.Message{FromID: &tg.PeerUser{UserID: 5}}); got != 5 {
		t.Fatalf("senderID() = %d, want 5", got)
	}
	if got := senderID(&tg.Message{}); got != 0 {
		t.Fatalf("senderID() with nil FromID = %d, want 0", got)
	}
	if got := senderID(&tg.Message{FromID: &tg.PeerChannel{ChannelID: 3}}); got != 0 {
		t.Fatalf("senderID() with non-user FromID = %d, want 0", got)
	}
}

func TestMessageToIncoming(t *testing.T) {
	msg := &tg.Message{
		ID:      10,
		PeerID:  &tg.PeerChannel{ChannelID: 100},
		Date:    1700000000,
		Message: "hello",
		FromID:  &tg.PeerUser{UserID: 1},
		FwdFrom: &tg.MessageFwdHeader{},
	}
	got := messageToIncoming(msg, false)
	if got.ChatID != 100 || got.MessageID != 10 || got.Text != "hello" || got.SenderID != 1 {
		t.Fatalf("unexpected conversion: %+v", got)
	}
	if !got.IsForward {
		t.Fatal("expected IsForward true")
	}
	if got.IsEdit {
		t.Fatal("expected IsEdit false")
	}
}

func TestInputPeer(t *testing.T) {
	cases := []struct {
		name string
		info PeerInfo
	}{
		{"user", PeerInfo{Kind: PeerKindUser, PeerID: 1, Hash: 2}},
		{"chat", PeerInfo{Kind: PeerKindChat, PeerID: 3}},
		{"channel", PeerInfo{Kind: PeerKindChannel, PeerID: 4, Hash: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ip := inputPeer(tc.info)
			if ip == nil {
				t.Fatal("inputPeer() returned nil")
			}
		})
	}
}

func TestFolderMemberFromInputPeer(t *testing.T) {
	if m, ok := folderMemberFromInputPeer(&tg.InputPeerChannel{ChannelID: 9}); !ok || m.ChannelTGID != 9 {
		t.Fatalf("channel: got %+v, ok=%v", m, ok)
	}
	if m, ok := folderMemberFromInputPeer(&tg.InputPeerChat{ChatID: 8}); !ok || m.ChannelTGID != 8 {
		t.Fatalf("chat: got %+v, ok=%v", m, ok)
	}
	if _, ok := folderMemberFromInputPeer(&tg.InputPeerUser{UserID: 1}); ok {
		t.Fatal("expected user peer to be excluded from folder members")
	}
}

func TestUserSubtype(t *testing.T) {
	if s := userSubtype(&tg.User{Self: true, Bot: true}); s != SubtypeUserSelfBot {
		t.Fatalf("self+bot subtype = %d, want %d", s, SubtypeUserSelfBot)
	}
	if s := userSubtype(&tg.User{}); s != 0 {
		t.Fatalf("plain user subtype = %d, want 0", s)
	}
}

func TestChannelSubtype(t *testing.T) {
	if s := channelSubtype(&tg.Channel{Megagroup: true}); s != SubtypeMegagroup {
		t.Fatalf("megagroup subtype = %d, want %d", s, SubtypeMegagroup)
	}
	if s := channelSubtype(&tg.Channel{Broadcast: true, Megagroup: true}); s != SubtypeGigagroup {
		t.Fatalf("gigagroup subtype = %d, want %d", s, SubtypeGigagroup)
	}
}

func TestMessageDate(t *testing.T) {
	messages := []tg.MessageClass{
		&tg.Message{ID: 1, Date: 111},
		&tg.MessageService{ID: 2, Date: 222},
	}
	if got := messageDate(messages, 1); got != 111 {
		t.Fatalf("messageDate(1) = %d, want 111", got)
	}
	if got := messageDate(messages, 2); got != 222 {
		t.Fatalf("messageDate(2) = %d, want 222", got)
	}
	if got := messageDate(messages, 99); got != 0 {
		t.Fatalf("messageDate(missing) = %d, want 0", got)
	}
}

func TestDialogPeerToInputPeer(t *testing.T) {
	userHashes := map[int64]int64{1: 111}
	channelHashes := map[int64]int64{2: 222}

	up := dialogPeerToInputPeer(&tg.PeerUser{UserID: 1}, userHashes, channelHashes)
	if u, ok := up.(*tg.InputPeerUser); !ok || u.AccessHash != 111 {
		t.Fatalf("user peer = %+v", up)
	}
	cp := dialogPeerToInputPeer(&tg.PeerChannel{ChannelID: 2}, userHashes, channelHashes)
	if c, ok := cp.(*tg.InputPeerChannel); !ok || c.AccessHash != 222 {
		t.Fatalf("channel peer = %+v", cp)
	}
	if _, ok := dialogPeerToInputPeer(nil, userHashes, channelHashes).(*tg.InputPeerEmpty); !ok {
		t.Fatal("expected InputPeerEmpty for nil peer")
	}
}

func TestNormalizeDialogs(t *testing.T) {
	full := &tg.MessagesDialogs{Dialogs: []tg.DialogClass{&tg.Dialog{}}}
	if got, ok := normalizeDialogs(full); !ok || len(got.Dialogs) != 1 {
		t.Fatalf("MessagesDialogs: got %+v, ok=%v", got, ok)
	}

	slice := &tg.MessagesDialogsSlice{Dialogs: []tg.DialogClass{&tg.Dialog{}, &tg.Dialog{}}}
	if got, ok := normalizeDialogs(slice); !ok || len(got.Dialogs) != 2 {
		t.Fatalf("MessagesDialogsSlice: got %+v, ok=%v", got, ok)
	}

	if _, ok := normalizeDialogs(&tg.MessagesDialogsNotModified{}); ok {
		t.Fatal("expected not-modified response to report ok=false")
	}
}
