package statesync

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

// Scheduler runs fn after d on the session's event loop.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// Broadcaster fans a message out to every connected peer and reports how
// many links took it.
type Broadcaster interface {
	BroadcastToPeers(typ string, payload any) int
}

// Store persists snapshots so a promoted host can resume the race.
type Store interface {
	Save(room string, s Snapshot) error
	Latest(room string) (Snapshot, bool, error)
}

type HostConfig struct {
	Room  string
	Track *track.Data
	Rules game.Rules
	Dice  game.Roller
	Sched Scheduler
	Peers Broadcaster
	// Store and Replica are optional.
	Store   Store
	Replica *Replica
	// StartupDelay separates seating the grid from the first turn so
	// links have time to open.
	StartupDelay time.Duration
}

// Host owns the authoritative engine. It is the engine's SessionContext:
// every state change is snapshotted, applied locally, persisted and then
// broadcast, in that order.
type Host struct {
	cfg    HostConfig
	engine *game.Engine
	rev    uint64
	last   Snapshot
	begin  func()
}

func NewHost(cfg HostConfig) *Host {
	h := &Host{cfg: cfg}
	if h.cfg.Replica == nil {
		h.cfg.Replica = NewReplica()
	}
	h.engine = game.NewEngine(cfg.Track, cfg.Rules, h, cfg.Dice)
	return h
}

// PromoteHost resumes a race from the last known snapshot.
func PromoteHost(cfg HostConfig, s Snapshot) *Host {
	h := &Host{cfg: cfg, rev: s.Revision}
	if h.cfg.Replica == nil {
		h.cfg.Replica = NewReplica()
	}
	h.engine = game.Restore(cfg.Track, cfg.Rules, h, cfg.Dice, s.State)
	if st := h.engine.State(); st.CurrentPlayerIndex == -1 && st.Phase == game.PhaseWaiting {
		h.scheduleBegin()
	}
	log.Info().Str("component", "statesync").Str("room", cfg.Room).Uint64("revision", s.Revision).Msg("resumed race as host")
	return h
}

func (h *Host) Engine() *game.Engine { return h.engine }
func (h *Host) Replica() *Replica    { return h.cfg.Replica }
func (h *Host) Revision() uint64     { return h.rev }

// ---------- game.SessionContext ----------

func (h *Host) Schedule(d time.Duration, fn func()) func() {
	if h.cfg.Sched == nil {
		return func() {}
	}
	return h.cfg.Sched.Schedule(d, fn)
}

func (h *Host) StateChanged() { h.Publish() }

// ---------- race control ----------

// Start seats the roster and hands out the first turn after StartupDelay.
func (h *Host) Start(entrants []game.Entrant, laps int) error {
	if err := h.engine.Start(entrants, laps); err != nil {
		return err
	}
	h.scheduleBegin()
	return nil
}

func (h *Host) scheduleBegin() {
	if h.begin != nil {
		h.begin()
	}
	h.begin = h.Schedule(h.cfg.StartupDelay, func() {
		h.begin = nil
		if err := h.engine.BeginRace(); err != nil {
			log.Warn().Str("component", "statesync").Err(err).Msg("begin race")
		}
	})
}

// Retire drops a departed peer from the race.
func (h *Host) Retire(peerID string) bool { return h.engine.Retire(peerID) }

func (h *Host) Close() {
	if h.begin != nil {
		h.begin()
		h.begin = nil
	}
	h.engine.Close()
}

// Publish snapshots the engine and pushes it everywhere.
func (h *Host) Publish() {
	h.rev++
	s := BuildSnapshot(h.cfg.Room, h.rev, h.engine.State())
	h.last = s
	h.cfg.Replica.Apply(s)
	if h.cfg.Store != nil {
		if err := h.cfg.Store.Save(h.cfg.Room, s); err != nil {
			log.Error().Str("component", "statesync").Err(err).Uint64("revision", s.Revision).Msg("persist snapshot")
		}
	}
	h.broadcast(s)
}

func (h *Host) broadcast(s Snapshot) {
	if h.cfg.Peers == nil || s.State == nil {
		return
	}
	n := h.cfg.Peers.BroadcastToPeers(wire.GameStateUpdate, s)
	log.Debug().Str("component", "statesync").Uint64("revision", s.Revision).Int("peers", n).Str("phase", string(s.State.Phase)).Msg("snapshot broadcast")
}

// ---------- intents ----------

// HandleAction decodes a clientAction payload from a peer and applies it.
func (h *Host) HandleAction(from string, payload json.RawMessage) error {
	a, err := DecodeAction(payload)
	if err != nil {
		log.Warn().Str("component", "statesync").Str("peer", from).Err(err).Msg("malformed action")
		return err
	}
	return h.Apply(from, a)
}

// Apply runs an intent for the peer from. Intents from anyone but the
// active player are dropped; rejected intents resend the current snapshot
// so the sender leaves its waiting state.
func (h *Host) Apply(from string, a Action) error {
	active, ok := h.engine.ActivePeer()
	if !ok || active != from {
		log.Warn().Str("component", "statesync").Str("peer", from).Str("active", active).Str("action", a.Kind()).Msg("UnauthorizedAction")
		return ErrUnauthorized
	}
	seat, _ := h.engine.SeatOf(from)

	var err error
	switch v := a.(type) {
	case SelectSpeed:
		err = h.engine.SelectSpeed(seat, v.Speed)
	case SelectSpace:
		err = h.engine.SelectSpace(seat, v.Space)
	case ConfirmMove:
		err = h.engine.ConfirmMove(seat, v.Steps)
	case RollDie:
		_, err = h.engine.RollDie(seat, v.Die)
	default:
		err = ErrUnknownAction
	}
	if err != nil {
		log.Info().Str("component", "statesync").Str("peer", from).Str("action", a.Kind()).Err(err).Msg("action rejected")
		h.broadcast(h.last)
		return err
	}
	return nil
}
