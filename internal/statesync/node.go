package statesync

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

// Peers is the session surface a node talks through.
type Peers interface {
	Broadcaster
	HostSender
}

type NodeConfig struct {
	Track        *track.Data
	Rules        game.Rules
	Dice         game.Roller
	Laps         int
	StartupDelay time.Duration
	Sched        Scheduler
	Peers        Peers
	Store        Store
}

// Node is one participant. It starts as a client and becomes a host either
// by creating the room or by promotion after the host left.
type Node struct {
	cfg     NodeConfig
	localID string
	room    string

	replica *Replica
	client  *Client
	host    *Host
}

func NewNode(cfg NodeConfig) *Node {
	n := &Node{cfg: cfg, replica: NewReplica()}
	n.client = NewClient(cfg.Peers, n.replica, cfg.Store, "")
	return n
}

// SetIdentity records the relay-assigned id and the room once known.
func (n *Node) SetIdentity(localID, room string) {
	n.localID, n.room = localID, room
	n.client.room = room
}

func (n *Node) LocalID() string   { return n.localID }
func (n *Node) IsHost() bool      { return n.host != nil }
func (n *Node) Replica() *Replica { return n.replica }
func (n *Node) Host() *Host       { return n.host }

func (n *Node) hostConfig() HostConfig {
	return HostConfig{
		Room:         n.room,
		Track:        n.cfg.Track,
		Rules:        n.cfg.Rules,
		Dice:         n.cfg.Dice,
		Sched:        n.cfg.Sched,
		Peers:        n.cfg.Peers,
		Store:        n.cfg.Store,
		Replica:      n.replica,
		StartupDelay: n.cfg.StartupDelay,
	}
}

// BecomeHost makes this node the authority for a race not yet started.
func (n *Node) BecomeHost() {
	if n.host == nil {
		n.host = NewHost(n.hostConfig())
	}
}

// StartRace seats the roster of a gameStarted event. Only the host acts.
func (n *Node) StartRace(players []wire.PlayerInfo) error {
	if n.host == nil {
		return nil
	}
	entrants := make([]game.Entrant, len(players))
	for i, p := range players {
		entrants[i] = game.Entrant{PeerID: p.ID, Name: p.Name, IsPlayer: p.IsPlayer}
	}
	return n.host.Start(entrants, n.cfg.Laps)
}

// Promote turns this node into the host after departed left. The race
// resumes from the newest snapshot this node has seen.
func (n *Node) Promote(departed string) {
	if n.host != nil {
		return
	}
	snap, ok := n.latest()
	if !ok {
		log.Info().Str("component", "statesync").Str("room", n.room).Msg("promoted before race start")
		n.BecomeHost()
		return
	}
	n.host = PromoteHost(n.hostConfig(), snap)
	if !n.host.Retire(departed) {
		n.host.Publish()
	}
}

func (n *Node) latest() (Snapshot, bool) {
	var (
		snap Snapshot
		ok   bool
	)
	if n.replica.Started() {
		snap, ok = n.replica.Snapshot(n.room), true
	}
	if n.cfg.Store == nil {
		return snap, ok
	}
	stored, found, err := n.cfg.Store.Latest(n.room)
	if err != nil {
		log.Error().Str("component", "statesync").Err(err).Msg("load snapshot")
		return snap, ok
	}
	if found && (!ok || (stored.State.RaceID == snap.State.RaceID && stored.Revision > snap.Revision)) {
		return stored, true
	}
	return snap, ok
}

// Do performs a local intent. On the host it is applied directly.
func (n *Node) Do(a Action) error {
	if n.host != nil {
		return n.host.Apply(n.localID, a)
	}
	return n.client.Do(a)
}

// HandleClientAction routes a peer's intent; only a host acts on it.
func (n *Node) HandleClientAction(from string, payload json.RawMessage) error {
	if n.host == nil {
		log.Debug().Str("component", "statesync").Str("peer", from).Msg("clientAction ignored on client")
		return nil
	}
	return n.host.HandleAction(from, payload)
}

// HandleStateUpdate applies a host snapshot; the host ignores them.
func (n *Node) HandleStateUpdate(from string, payload json.RawMessage) error {
	if n.host != nil {
		log.Warn().Str("component", "statesync").Str("peer", from).Msg("gameStateUpdate ignored on host")
		return nil
	}
	return n.client.HandleUpdate(payload)
}

// PeerLeft retires a departed racer when hosting.
func (n *Node) PeerLeft(peerID string) {
	if n.host != nil {
		n.host.Retire(peerID)
	}
}

func (n *Node) Close() {
	if n.host != nil {
		n.host.Close()
	}
}
