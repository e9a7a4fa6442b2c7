package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/kvlt/pail/internal/chatclient"
)

// sessionMirror is the in-memory copy of the session tables that
// chatclient.SessionStore's synchronous methods are served from (spec
// §4.7, §9 "Dynamic dispatch": the transport calls these on its own
// hot path and cannot be made to await a database round trip).
type sessionMirror struct {
	mu       sync.RWMutex
	homeDC   int
	dcs      map[int]chatclient.DCOption
	peers    map[int64]chatclient.PeerInfo
}

func newSessionMirror() *sessionMirror {
	return &sessionMirror{dcs: map[int]chatclient.DCOption{}, peers: map[int64]chatclient.PeerInfo{}}
}

func (s *Store) loadSessionMirror(ctx context.Context) error {
	var homeDC sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT dc_id FROM session_home_dc WHERE id = 1`).Scan(&homeDC)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load home dc: %w", err)
	}
	s.sessions.mu.Lock()
	s.sessions.homeDC = int(homeDC.Int64)
	s.sessions.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT dc_id, ip_addr, port, is_ipv6, auth_key FROM session_dc`)
	if err != nil {
		return fmt.Errorf("load dc options: %w", err)
	}
	defer rows.Close()
	s.sessions.mu.Lock()
	for rows.Next() {
		var opt chatclient.DCOption
		if err := rows.Scan(&opt.DCID, &opt.IPAddr, &opt.Port, &opt.IsIPv6, &opt.AuthKey); err != nil {
			s.sessions.mu.Unlock()
			return fmt.Errorf("scan dc option: %w", err)
		}
		s.sessions.dcs[opt.DCID] = opt
	}
	s.sessions.mu.Unlock()
	if err := rows.Err(); err != nil {
		return err
	}

	peerRows, err := s.db.QueryContext(ctx, `SELECT peer_id, kind, hash, subtype FROM session_peers`)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	defer peerRows.Close()
	s.sessions.mu.Lock()
	for peerRows.Next() {
		var p chatclient.PeerInfo
		var kind int
		if err := peerRows.Scan(&p.PeerID, &kind, &p.Hash, &p.Subtype); err != nil {
			s.sessions.mu.Unlock()
			return fmt.Errorf("scan peer: %w", err)
		}
		p.Kind = chatclient.PeerKind(kind)
		s.sessions.peers[p.PeerID] = p
	}
	s.sessions.mu.Unlock()
	return peerRows.Err()
}

var _ chatclient.SessionStore = (*Store)(nil)

// HomeDCID serves the cached home data center id without touching the
// database.
func (s *Store) HomeDCID() int {
	s.sessions.mu.RLock()
	defer s.sessions.mu.RUnlock()
	return s.sessions.homeDC
}

// DCOption serves a cached DC connection parameter set, falling back
// to chatclient.KnownDCs when nothing has been cached yet.
func (s *Store) DCOption(dcID int) (chatclient.DCOption, bool) {
	s.sessions.mu.RLock()
	opt, ok := s.sessions.dcs[dcID]
	s.sessions.mu.RUnlock()
	if ok {
		return opt, true
	}
	for _, known := range chatclient.KnownDCs {
		if known.DCID == dcID {
			return chatclient.DCOption{DCID: dcID, IPAddr: known.IPv4, Port: known.Port}, true
		}
	}
	return chatclient.DCOption{}, false
}

func (s *Store) SetHomeDCID(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_home_dc (id, dc_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET dc_id = excluded.dc_id
	`, id)
	if err != nil {
		return fmt.Errorf("set home dc: %w", err)
	}
	s.sessions.mu.Lock()
	s.sessions.homeDC = id
	s.sessions.mu.Unlock()
	return nil
}

func (s *Store) SetDCOption(ctx context.Context, opt chatclient.DCOption) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_dc (dc_id, ip_addr, port, is_ipv6, auth_key) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dc_id) DO UPDATE SET ip_addr = excluded.ip_addr, port = excluded.port,
			is_ipv6 = excluded.is_ipv6, auth_key = excluded.auth_key
	`, opt.DCID, opt.IPAddr, opt.Port, opt.IsIPv6, opt.AuthKey)
	if err != nil {
		return fmt.Errorf("set dc option: %w", err)
	}
	s.sessions.mu.Lock()
	s.sessions.dcs[opt.DCID] = opt
	s.sessions.mu.Unlock()
	return nil
}

func (s *Store) Peer(ctx context.Context, peerID int64) (chatclient.PeerInfo, bool, error) {
	s.sessions.mu.RLock()
	info, ok := s.sessions.peers[peerID]
	s.sessions.mu.RUnlock()
	return info, ok, nil
}

func (s *Store) CachePeer(ctx context.Context, info chatclient.PeerInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_peers (peer_id, kind, hash, subtype) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET kind = excluded.kind, hash = excluded.hash, subtype = excluded.subtype
	`, info.PeerID, int(info.Kind), info.Hash, int(info.Subtype))
	if err != nil {
		return fmt.Errorf("cache peer: %w", err)
	}
	s.sessions.mu.Lock()
	s.sessions.peers[info.PeerID] = info
	s.sessions.mu.Unlock()
	return nil
}

func (s *Store) UpdatesState(ctx context.Context) (chatclient.UpdatesState, error) {
	var st chatclient.UpdatesState
	err := s.db.QueryRowContext(ctx,
		`SELECT pts, qts, date, seq FROM session_updates_state WHERE id = 1`,
	).Scan(&st.PTS, &st.QTS, &st.Date, &st.Seq)
	if err == sql.ErrNoRows {
		return chatclient.UpdatesState{}, nil
	}
	if err != nil {
		return chatclient.UpdatesState{}, fmt.Errorf("read updates state: %w", err)
	}
	return st, nil
}

// SetUpdateState persists one of the four update-position variants
// the chat transport reports, per chatclient.UpdateStateKind.
func (s *Store) SetUpdateState(ctx context.Context, state chatclient.UpdateState) error {
	switch state.Kind {
	case chatclient.UpdateStateReplaceAll, chatclient.UpdateStatePrimary:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_updates_state (id, pts, qts, date, seq) VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET pts = excluded.pts, date = excluded.date, seq = excluded.seq
		`, state.PTS, 0, state.Date, state.Seq)
		if err != nil {
			return fmt.Errorf("set primary update state: %w", err)
		}
		if state.Kind == chatclient.UpdateStateReplaceAll {
			_, err := s.db.ExecContext(ctx, `DELETE FROM session_channel_pts`)
			if err != nil {
				return fmt.Errorf("clear channel pts on replace-all: %w", err)
			}
		}
		return nil
	case chatclient.UpdateStateSecondary:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_updates_state (id, pts, qts, date, seq) VALUES (1, 0, ?, 0, 0)
			ON CONFLICT(id) DO UPDATE SET qts = excluded.qts
		`, state.QTS)
		if err != nil {
			return fmt.Errorf("set secondary update state: %w", err)
		}
		return nil
	case chatclient.UpdateStatePerChannel:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_channel_pts (channel_id, pts) VALUES (?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET pts = excluded.pts
		`, state.ChannelID, state.PTS)
		if err != nil {
			return fmt.Errorf("set channel pts: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown update state kind %q", state.Kind)
	}
}

// ChannelPTS reads back a single channel's last persisted pts, used
// when resuming a per-channel update stream after restart.
func (s *Store) ChannelPTS(ctx context.Context, channelID int64) (int, bool, error) {
	var pts int
	err := s.db.QueryRowContext(ctx, `SELECT pts FROM session_channel_pts WHERE channel_id = ?`, channelID).Scan(&pts)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read channel pts: %w", err)
	default:
		return pts, true, nil
	}
}
