// Package statesync keeps every node's view of the race in step with the
// host: the host publishes a full snapshot after each mutation, clients
// merge it into their replica and route their intents back to the host.
package statesync

import (
	"encoding/json"
	"fmt"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

// Snapshot is the plain-data projection broadcast as gameStateUpdate.
type Snapshot struct {
	Revision uint64          `json:"revision"`
	Room     string          `json:"room,omitempty"`
	Winner   *int            `json:"winner,omitempty"`
	State    *game.RaceState `json:"state"`
}

// BuildSnapshot copies st so later engine mutations cannot leak into it.
func BuildSnapshot(room string, rev uint64, st *game.RaceState) Snapshot {
	s := Snapshot{Revision: rev, Room: room, State: st.Clone()}
	if w := st.Winner(); w != nil {
		id := w.ID
		s.Winner = &id
	}
	return s
}

func DecodeSnapshot(payload json.RawMessage) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.State == nil {
		return s, fmt.Errorf("decode snapshot: missing state")
	}
	return s, nil
}

// Replica is a node's local, read-only copy of the race.
//
// Apply merges into the objects it already holds, so pointers handed out
// earlier (e.g. to a renderer) keep tracking the same player.
type Replica struct {
	State    *game.RaceState
	Revision uint64
	Winner   *int

	// OnStep, if set, is called for each step of stepSpaces as it is
	// replayed from scratch on every apply.
	OnStep func(i int, c track.Coord)
	// OnApply, if set, runs after every accepted snapshot.
	OnApply func(*game.RaceState)
}

func NewReplica() *Replica {
	return &Replica{State: &game.RaceState{Phase: game.PhaseWaiting, CurrentPlayerIndex: -1}}
}

// Apply merges s into the replica. A snapshot older than the one already
// applied for the same race is ignored; applying the same snapshot twice
// is a no-op in effect.
func (r *Replica) Apply(s Snapshot) bool {
	if s.State == nil {
		return false
	}
	if s.State.RaceID == r.State.RaceID && s.Revision < r.Revision {
		return false
	}
	in := s.State
	st := r.State

	byID := make(map[int]*game.PlayerState, len(st.Players))
	for _, p := range st.Players {
		byID[p.ID] = p
	}
	players := make([]*game.PlayerState, 0, len(in.Players))
	for _, p := range in.Players {
		local, ok := byID[p.ID]
		if !ok {
			local = &game.PlayerState{}
		}
		*local = *p
		players = append(players, local)
	}
	st.Players = players

	st.RaceID = in.RaceID
	st.Laps = in.Laps
	st.Phase = in.Phase
	st.CurrentPlayerIndex = in.CurrentPlayerIndex
	st.RequiredSteps = in.RequiredSteps
	st.Die1Result = copyInt(in.Die1Result)
	st.Die2Result = copyInt(in.Die2Result)
	st.AvailableSpaces = copyCoords(in.AvailableSpaces)
	st.CornersToResolve = copyCoords(in.CornersToResolve)
	st.CurrentCorner = nil
	if in.CurrentCorner != nil {
		c := *in.CurrentCorner
		st.CurrentCorner = &c
	}
	st.ExcessSpeed = in.ExcessSpeed
	st.SpunOff = in.SpunOff
	st.Message = in.Message
	st.Finishers = append([]int(nil), in.Finishers...)

	st.StepSpaces = nil
	for i, c := range in.StepSpaces {
		st.StepSpaces = append(st.StepSpaces, c)
		if r.OnStep != nil {
			r.OnStep(i, c)
		}
	}

	r.Revision = s.Revision
	r.Winner = copyInt(s.Winner)
	if r.OnApply != nil {
		r.OnApply(st)
	}
	return true
}

// Snapshot re-projects the replica, used when a promoted host has no
// stored snapshot to start from.
func (r *Replica) Snapshot(room string) Snapshot {
	return BuildSnapshot(room, r.Revision, r.State)
}

// Started reports whether a race has been seen at all.
func (r *Replica) Started() bool { return r.State.RaceID != "" }

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func copyCoords(in []track.Coord) []track.Coord {
	if in == nil {
		return nil
	}
	return append([]track.Coord(nil), in...)
}
