// Package session tracks a node's place in a room: who it is, who hosts,
// and one role-tagged link per peer. Relay events and peer messages are
// dispatched here, all on the node's Loop.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/peer"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/signal"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

var (
	ErrNoHostLink = errors.New("no link to host")
	ErrIsHost     = errors.New("local node is the host")
	ErrNotHost    = errors.New("local node is not the host")
)

// Role of a remote peer as seen from this node.
type Role int

const (
	RolePeer Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "peer"
}

// Hooks are optional callbacks for relay events, run on the loop.
type Hooks struct {
	OnConnect     func(localID string)
	OnJoined      func(room string, isHost bool)
	OnHostChanged func(hostID, previous string, local bool)
	OnGameStarted func(players []wire.PlayerInfo)
	OnPlayerList  func(players []wire.PlayerInfo)
	OnRoomList    func(rooms []wire.RoomSummary)
	OnPeerLeft    func(peerID string)
	OnError       func(msg string)
}

type Config struct {
	Signal signal.Channel
	Links  peer.Factory
	// Loop serialises link callbacks; nil runs them inline.
	Loop  *Loop
	Hooks Hooks
}

type peerEntry struct {
	link peer.Link
	role Role
}

// HandlerFunc handles one peer message type.
type HandlerFunc func(from string, payload json.RawMessage)

type Manager struct {
	cfg Config

	localID string
	hostID  string
	room    string
	isHost  bool
	players []wire.PlayerInfo

	peers    map[string]*peerEntry
	handlers map[string]HandlerFunc
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		peers:    map[string]*peerEntry{},
		handlers: map[string]HandlerFunc{},
	}
}

func (m *Manager) LocalID() string { return m.localID }
func (m *Manager) HostID() string  { return m.hostID }
func (m *Manager) Room() string    { return m.room }
func (m *Manager) IsHost() bool    { return m.isHost }

func (m *Manager) Players() []wire.PlayerInfo { return append([]wire.PlayerInfo(nil), m.players...) }

// Peers lists the ids of every remote peer with a link, sorted.
func (m *Manager) Peers() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoleOf reports the role tag of a linked peer.
func (m *Manager) RoleOf(id string) (Role, bool) {
	e, ok := m.peers[id]
	if !ok {
		return RolePeer, false
	}
	return e.role, true
}

// Handle registers the handler for peer messages of type typ.
func (m *Manager) Handle(typ string, fn HandlerFunc) { m.handlers[typ] = fn }

func (m *Manager) post(fn func()) {
	if m.cfg.Loop != nil {
		m.cfg.Loop.Post(fn)
		return
	}
	fn()
}

// ---------- relay requests ----------

func (m *Manager) CreateRoom(name string, isPlayer bool, playerName string) error {
	return m.cfg.Signal.Send(wire.CreateRoom, wire.CreateRoomRequest{RoomName: name, IsPlayer: isPlayer, PlayerName: playerName})
}

func (m *Manager) JoinRoom(name, playerName string) error {
	return m.cfg.Signal.Send(wire.JoinRoom, wire.JoinRoomRequest{RoomName: name, PlayerName: playerName})
}

func (m *Manager) StartGame() error {
	if !m.isHost {
		return fmt.Errorf("start game: %w", ErrNotHost)
	}
	return m.cfg.Signal.Send(wire.StartGame, wire.StartGameRequest{RoomName: m.room})
}

// ---------- relay events ----------

// HandleSignal applies one relay event. Call it on the loop.
func (m *Manager) HandleSignal(env wire.Envelope) {
	var err error
	switch env.Type {
	case wire.Connect:
		var p wire.ConnectPayload
		if err = env.Unmarshal(&p); err == nil {
			m.localID = p.ID
			log.Info().Str("component", "session").Str("id", p.ID).Msg("connected to relay")
			if m.cfg.Hooks.OnConnect != nil {
				m.cfg.Hooks.OnConnect(p.ID)
			}
		}

	case wire.RoomCreated:
		var p wire.RoomCreatedPayload
		if err = env.Unmarshal(&p); err == nil {
			m.room = p.RoomName
			m.setHost(m.localID)
			m.players = sortedPlayers(p.Players)
			log.Info().Str("component", "session").Str("room", p.RoomName).Msg("room created, hosting")
			if m.cfg.Hooks.OnJoined != nil {
				m.cfg.Hooks.OnJoined(m.room, true)
			}
		}

	case wire.JoinedRoom:
		var p wire.JoinedRoomPayload
		if err = env.Unmarshal(&p); err == nil {
			m.room = p.RoomName
			m.setHost(p.HostID)
			m.players = sortedPlayers(p.Players)
			log.Info().Str("component", "session").Str("room", p.RoomName).Str("host", p.HostID).Msg("joined room")
			if m.cfg.Hooks.OnJoined != nil {
				m.cfg.Hooks.OnJoined(m.room, m.isHost)
			}
		}

	case wire.NewPeer:
		var id string
		if err = env.Unmarshal(&id); err == nil {
			// told about a newcomer: this side initiates
			_, err = m.connect(id, true)
		}

	case wire.Signal:
		var p wire.SignalRelay
		if err = env.Unmarshal(&p); err == nil {
			err = m.handlePeerSignal(p)
		}

	case wire.PlayerList:
		var players []wire.PlayerInfo
		if err = env.Unmarshal(&players); err == nil {
			m.players = players
			if m.cfg.Hooks.OnPlayerList != nil {
				m.cfg.Hooks.OnPlayerList(players)
			}
		}

	case wire.RoomList:
		var rooms []wire.RoomSummary
		if err = env.Unmarshal(&rooms); err == nil && m.cfg.Hooks.OnRoomList != nil {
			m.cfg.Hooks.OnRoomList(rooms)
		}

	case wire.PeerDisconnect:
		var id string
		if err = env.Unmarshal(&id); err == nil {
			m.dropPeer(id)
			if m.cfg.Hooks.OnPeerLeft != nil {
				m.cfg.Hooks.OnPeerLeft(id)
			}
		}

	case wire.NewHost:
		var id string
		if err = env.Unmarshal(&id); err == nil {
			prev := m.hostID
			m.setHost(id)
			log.Info().Str("component", "session").Str("host", id).Str("previous", prev).Bool("local", m.isHost).Msg("host changed")
			if m.cfg.Hooks.OnHostChanged != nil {
				m.cfg.Hooks.OnHostChanged(id, prev, m.isHost)
			}
		}

	case wire.GameStarted:
		var players []wire.PlayerInfo
		if err = env.Unmarshal(&players); err == nil {
			m.players = players
			log.Info().Str("component", "session").Int("players", len(players)).Msg("game started")
			if m.cfg.Hooks.OnGameStarted != nil {
				m.cfg.Hooks.OnGameStarted(players)
			}
		}

	case wire.Error:
		var msg string
		if err = env.Unmarshal(&msg); err == nil {
			log.Warn().Str("component", "session").Str("error", msg).Msg("relay error")
			if m.cfg.Hooks.OnError != nil {
				m.cfg.Hooks.OnError(msg)
			}
		}

	default:
		log.Debug().Str("component", "session").Str("type", env.Type).Msg("unhandled relay event")
	}
	if err != nil {
		log.Warn().Str("component", "session").Str("type", env.Type).Err(err).Msg("bad relay event")
	}
}

func (m *Manager) setHost(id string) {
	m.hostID = id
	m.isHost = id != "" && id == m.localID
	for pid, e := range m.peers {
		e.role = RolePeer
		if pid == id {
			e.role = RoleHost
		}
	}
}

// handlePeerSignal feeds a relayed signal to its link, creating the
// non-initiating side when the sender is new to us.
func (m *Manager) handlePeerSignal(p wire.SignalRelay) error {
	e, ok := m.peers[p.From]
	if !ok {
		link, err := m.connect(p.From, false)
		if err != nil {
			return err
		}
		return link.Signal(p.Signal)
	}
	return e.link.Signal(p.Signal)
}

func (m *Manager) connect(id string, initiator bool) (peer.Link, error) {
	if id == "" || id == m.localID {
		return nil, fmt.Errorf("connect: bad peer id %q", id)
	}
	if e, ok := m.peers[id]; ok {
		return e.link, nil
	}
	link, err := m.cfg.Links.NewLink(id, initiator, m.linkHandler(id))
	if err != nil {
		return nil, fmt.Errorf("link to %s: %w", id, err)
	}
	role := RolePeer
	if id == m.hostID {
		role = RoleHost
	}
	m.peers[id] = &peerEntry{link: link, role: role}
	log.Info().Str("component", "session").Str("peer", id).Bool("initiator", initiator).Stringer("role", role).Msg("link created")
	return link, nil
}

func (m *Manager) linkHandler(id string) peer.Handler {
	return peer.Handler{
		OnSignal: func(s json.RawMessage) {
			m.post(func() {
				if err := m.cfg.Signal.Send(wire.Signal, wire.SignalRequest{To: id, Signal: s}); err != nil {
					log.Warn().Str("component", "session").Str("peer", id).Err(err).Msg("relay signal")
				}
			})
		},
		OnConnect: func() {
			m.post(func() {
				log.Info().Str("component", "session").Str("peer", id).Msg("peer connected")
			})
		},
		OnData: func(data []byte) {
			m.post(func() { m.dispatch(id, data) })
		},
		OnClose: func() {
			m.post(func() {
				log.Info().Str("component", "session").Str("peer", id).Msg("peer link closed")
			})
		},
		OnError: func(err error) {
			m.post(func() {
				log.Warn().Str("component", "session").Str("peer", id).Err(err).Msg("peer link error")
			})
		},
	}
}

// dispatch routes one peer message by type. Malformed messages are
// logged and dropped; the link stays up.
func (m *Manager) dispatch(from string, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		log.Warn().Str("component", "session").Str("peer", from).Err(err).Msg("malformed peer message")
		return
	}
	if env.Type == wire.GameStateUpdate && from != m.hostID {
		log.Warn().Str("component", "session").Str("peer", from).Str("host", m.hostID).Msg("state update from non-host ignored")
		return
	}
	fn, ok := m.handlers[env.Type]
	if !ok {
		log.Debug().Str("component", "session").Str("peer", from).Str("type", env.Type).Msg("no handler")
		return
	}
	fn(from, env.Payload)
}

func (m *Manager) dropPeer(id string) {
	e, ok := m.peers[id]
	if !ok {
		return
	}
	delete(m.peers, id)
	if err := e.link.Close(); err != nil {
		log.Debug().Str("component", "session").Str("peer", id).Err(err).Msg("close link")
	}
}

// ---------- peer sends ----------

// BroadcastToPeers sends to every connected link and reports how many
// accepted the message. Links not yet up drop it.
func (m *Manager) BroadcastToPeers(typ string, payload any) int {
	b, err := wire.Encode(typ, payload)
	if err != nil {
		log.Error().Str("component", "session").Str("type", typ).Err(err).Msg("encode broadcast")
		return 0
	}
	n := 0
	for _, id := range m.Peers() {
		if err := m.sendTo(id, b); err != nil {
			continue
		}
		n++
	}
	return n
}

// SendToHost sends to the peer tagged as host.
func (m *Manager) SendToHost(typ string, payload any) error {
	if m.isHost {
		return ErrIsHost
	}
	e, ok := m.peers[m.hostID]
	if !ok || e.role != RoleHost {
		log.Warn().Str("component", "session").Str("host", m.hostID).Str("type", typ).Msg("no link to host, dropped")
		return ErrNoHostLink
	}
	b, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}
	return m.sendTo(m.hostID, b)
}

func (m *Manager) sendTo(id string, b []byte) error {
	e := m.peers[id]
	if e == nil || !e.link.Connected() {
		log.Warn().Str("component", "session").Str("peer", id).Msg("StaleLinkWarning: link not connected, dropped")
		return peer.ErrNotConnected
	}
	if err := e.link.Send(b); err != nil {
		log.Warn().Str("component", "session").Str("peer", id).Err(err).Msg("StaleLinkWarning: send failed")
		return err
	}
	return nil
}

// Close tears down every link.
func (m *Manager) Close() error {
	var err error
	for id, e := range m.peers {
		err = multierr.Append(err, e.link.Close())
		delete(m.peers, id)
	}
	return err
}

func sortedPlayers(in map[string]wire.PlayerInfo) []wire.PlayerInfo {
	out := make([]wire.PlayerInfo, 0, len(in))
	for _, p := range in {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
