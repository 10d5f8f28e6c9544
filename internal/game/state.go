package game

import "github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"

// Phase of the active turn.
type Phase string

const (
	PhaseSpeedSelect Phase = "speedselect"
	PhaseMoving      Phase = "moving"
	PhasePenalty     Phase = "penalty"
	PhaseMoved       Phase = "moved"
	PhaseFinished    Phase = "finished"
	// PhaseWaiting is shown before the first turn and, on clients, while an
	// intent is in flight to the host.
	PhaseWaiting Phase = "waiting"
)

// Entrant is one seated room member handed to Start.
type Entrant struct {
	PeerID   string
	Name     string
	IsPlayer bool
}

// PlayerState is one seat. ID is the index into RaceState.Players.
type PlayerState struct {
	ID              int         `json:"id"`
	PeerID          string      `json:"peerId"`
	Name            string      `json:"name"`
	Spectator       bool        `json:"spectator,omitempty"`
	Retired         bool        `json:"retired,omitempty"`
	Slot            int         `json:"slot"`
	CurrentPosition track.Coord `json:"currentPosition"`
	CurrentSpeed    int         `json:"currentSpeed"`
	TyreWear        int         `json:"tyreWear"`
	BrakeWear       int         `json:"brakeWear"`
	LapsRemaining   int         `json:"lapsRemaining"`
}

// Racing reports whether the seat still takes turns and occupies a space.
func (p *PlayerState) Racing() bool {
	return !p.Spectator && !p.Retired && p.LapsRemaining > 0
}

// RaceState is the authoritative race, owned by the host's Engine.
type RaceState struct {
	RaceID             string         `json:"raceId"`
	Laps               int            `json:"laps"`
	Players            []*PlayerState `json:"players"`
	Phase              Phase          `json:"phase"`
	CurrentPlayerIndex int            `json:"currentPlayerIndex"`
	RequiredSteps      int            `json:"requiredSteps"`
	StepSpaces         []track.Coord  `json:"stepSpaces"`
	AvailableSpaces    []track.Coord  `json:"availableSpaces"`
	Die1Result         *int           `json:"die1Result"`
	Die2Result         *int           `json:"die2Result"`
	CornersToResolve   []track.Coord  `json:"cornersToResolve"`
	CurrentCorner      *track.Coord   `json:"currentCorner,omitempty"`
	ExcessSpeed        int            `json:"excessSpeed,omitempty"`
	SpunOff            bool           `json:"spunOff,omitempty"`
	Message            string         `json:"message,omitempty"`
	Finishers          []int          `json:"finishers,omitempty"`
}

// Active returns the player whose turn it is, or nil.
func (s *RaceState) Active() *PlayerState {
	if s.CurrentPlayerIndex < 0 || s.CurrentPlayerIndex >= len(s.Players) {
		return nil
	}
	return s.Players[s.CurrentPlayerIndex]
}

// Winner is the first finisher, or nil.
func (s *RaceState) Winner() *PlayerState {
	if len(s.Finishers) == 0 {
		return nil
	}
	return s.Players[s.Finishers[0]]
}

// Clone deep-copies the state.
func (s *RaceState) Clone() *RaceState {
	out := *s
	out.Players = make([]*PlayerState, len(s.Players))
	for i, p := range s.Players {
		cp := *p
		out.Players[i] = &cp
	}
	out.StepSpaces = cloneCoords(s.StepSpaces)
	out.AvailableSpaces = cloneCoords(s.AvailableSpaces)
	out.CornersToResolve = cloneCoords(s.CornersToResolve)
	out.Die1Result = cloneInt(s.Die1Result)
	out.Die2Result = cloneInt(s.Die2Result)
	if s.CurrentCorner != nil {
		c := *s.CurrentCorner
		out.CurrentCorner = &c
	}
	if s.Finishers != nil {
		out.Finishers = append([]int(nil), s.Finishers...)
	}
	return &out
}

func cloneCoords(in []track.Coord) []track.Coord {
	if in == nil {
		return nil
	}
	return append([]track.Coord(nil), in...)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func containsCoord(list []track.Coord, c track.Coord) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
