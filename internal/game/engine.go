// Package game is the host-authoritative race engine. Only the host runs an
// Engine; every other node holds a replica built from snapshots.
package game

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

// SessionContext is what the engine needs from the session hosting it.
// Both methods are called on the session's event loop.
type SessionContext interface {
	// Schedule runs fn after d on the event loop and returns a cancel func.
	Schedule(d time.Duration, fn func()) (cancel func())
	// StateChanged is called after every externally visible mutation.
	StateChanged()
}

// Engine is not safe for concurrent use; the session serialises every call.
type Engine struct {
	track *track.Data
	rules Rules
	ctx   SessionContext
	dice  Roller

	state *RaceState

	// pending timer; epoch invalidates callbacks that were already queued
	epoch  uint64
	cancel func()
}

func NewEngine(td *track.Data, rules Rules, ctx SessionContext, dice Roller) *Engine {
	if dice == nil {
		dice = RandomRoller()
	}
	return &Engine{
		track: td,
		rules: rules,
		ctx:   ctx,
		dice:  dice,
		state: &RaceState{Phase: PhaseWaiting, CurrentPlayerIndex: -1},
	}
}

// Restore rebuilds an engine from a replicated state, e.g. on a newly
// promoted host. A turn caught mid-move restarts at speed selection, and
// so does a replica left waiting on an intent the old host never applied.
func Restore(td *track.Data, rules Rules, ctx SessionContext, dice Roller, st *RaceState) *Engine {
	e := NewEngine(td, rules, ctx, dice)
	e.state = st.Clone()
	switch e.state.Phase {
	case PhaseWaiting:
		if e.state.CurrentPlayerIndex < 0 {
			break
		}
		fallthrough
	case PhaseMoving, PhasePenalty:
		if p := e.state.Active(); p != nil && p.Racing() {
			e.startTurn()
		} else {
			e.advanceTurn()
		}
	case PhaseMoved:
		e.advanceTurn()
	}
	return e
}

func (e *Engine) State() *RaceState { return e.state }
func (e *Engine) Track() *track.Data { return e.track }
func (e *Engine) Rules() Rules       { return e.rules }

// ActivePeer is the peer id of the player whose turn it is.
func (e *Engine) ActivePeer() (string, bool) {
	if e.state.Phase == PhaseFinished {
		return "", false
	}
	p := e.state.Active()
	if p == nil {
		return "", false
	}
	return p.PeerID, true
}

// SeatOf maps a peer id to its seat.
func (e *Engine) SeatOf(peerID string) (int, bool) {
	for _, p := range e.state.Players {
		if p.PeerID == peerID {
			return p.ID, true
		}
	}
	return -1, false
}

// Pending reports whether a delayed transition is outstanding.
func (e *Engine) Pending() bool { return e.cancel != nil }

// Close drops any pending timer.
func (e *Engine) Close() { e.stopTimer() }

// ---------- race lifecycle ----------

// Start seats the roster in order. Spectators keep a seat but never race.
// The first turn begins with BeginRace.
func (e *Engine) Start(entrants []Entrant, laps int) error {
	if laps < 1 {
		laps = 1
	}
	e.stopTimer()

	st := &RaceState{
		RaceID:             ksuid.New().String(),
		Laps:               laps,
		Phase:              PhaseWaiting,
		CurrentPlayerIndex: -1,
	}
	slot := 0
	for i, en := range entrants {
		p := &PlayerState{ID: i, PeerID: en.PeerID, Name: en.Name, Spectator: !en.IsPlayer, Slot: -1}
		if en.IsPlayer {
			p.Slot = slot
			p.CurrentPosition = e.track.StartPosition(slot)
			p.LapsRemaining = laps
			slot++
		} else {
			p.CurrentPosition = track.Coord{I: -1, J: -1}
		}
		st.Players = append(st.Players, p)
	}
	if slot == 0 {
		return ErrNoRacers
	}
	e.state = st
	log.Info().Str("component", "game").Str("race", st.RaceID).Int("racers", slot).Int("laps", laps).Msg("race seated")
	e.changed()
	return nil
}

// BeginRace hands the first turn to the first seated player.
func (e *Engine) BeginRace() error {
	if e.state.CurrentPlayerIndex != -1 || len(e.state.Players) == 0 {
		return ErrRaceStarted
	}
	e.advanceTurn()
	e.changed()
	return nil
}

// Retire removes a seat from the race, e.g. after its peer disconnected.
func (e *Engine) Retire(peerID string) bool {
	seat, ok := e.SeatOf(peerID)
	if !ok {
		return false
	}
	p := e.state.Players[seat]
	if !p.Racing() {
		return false
	}
	p.Retired = true
	log.Info().Str("component", "game").Int("seat", seat).Msg("player retired")
	if seat == e.state.CurrentPlayerIndex && e.state.Phase != PhaseFinished {
		e.stopTimer()
		e.advanceTurn()
	} else if e.state.CurrentPlayerIndex >= 0 && !e.anyRacing() {
		e.state.Phase = PhaseFinished
	}
	e.changed()
	return true
}

// ---------- speedselect ----------

// SelectSpeed sets the active player's speed for this turn.
func (e *Engine) SelectSpeed(seat, speed int) error {
	p, err := e.active(seat, PhaseSpeedSelect)
	if err != nil {
		return err
	}
	if speed < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSpeed, speed)
	}
	delta := speed - p.CurrentSpeed
	if delta > e.rules.MaxSpeedIncrease {
		return fmt.Errorf("%w: %d -> %d", ErrSpeedIncreaseTooLarge, p.CurrentSpeed, speed)
	}

	if reduction := -delta; reduction > e.rules.StepSpeed && p.BrakeWear >= e.rules.MaxBrakeWear {
		e.spinOff(p, p.CurrentPosition, "brakes worn out")
		e.changed()
		return nil
	}
	if delta < 0 {
		e.applyReductionWear(p, -delta)
	}
	p.CurrentSpeed = speed

	st := e.state
	st.RequiredSteps = speed / e.rules.StepSpeed
	st.StepSpaces = nil
	if st.RequiredSteps == 0 {
		e.finalize()
		e.changed()
		return nil
	}
	st.AvailableSpaces = e.FindSelectableSpaces(p.CurrentPosition, false)
	st.Phase = PhaseMoving
	e.changed()
	return nil
}

func (e *Engine) applyReductionWear(p *PlayerState, reduction int) {
	brake, tyre := reductionWear(reduction)
	p.BrakeWear = clamp(p.BrakeWear+brake, 0, e.rules.MaxBrakeWear)
	p.TyreWear = clamp(p.TyreWear+tyre, 0, e.rules.MaxTyreWear)
}

// ---------- moving ----------

// SelectSpace adds a space to the move, or pops the last one when it is
// selected again.
func (e *Engine) SelectSpace(seat int, c track.Coord) error {
	p, err := e.active(seat, PhaseMoving)
	if err != nil {
		return err
	}
	c.I = e.track.Wrap(c.I)
	st := e.state
	if n := len(st.StepSpaces); n > 0 && st.StepSpaces[n-1] == c {
		st.StepSpaces = st.StepSpaces[:n-1]
		st.AvailableSpaces = e.FindSelectableSpaces(e.tail(p), false)
		e.changed()
		return nil
	}
	if err := e.pushStep(p, c); err != nil {
		return err
	}
	e.changed()
	return nil
}

func (e *Engine) pushStep(p *PlayerState, c track.Coord) error {
	st := e.state
	c.I = e.track.Wrap(c.I)
	if len(st.StepSpaces) >= st.RequiredSteps {
		return ErrTooManySteps
	}
	if !containsCoord(st.AvailableSpaces, c) || e.occupiedByOther(c, p) {
		return fmt.Errorf("%w: %v", ErrSpaceNotAvailable, c)
	}
	st.StepSpaces = append(st.StepSpaces, c)
	st.AvailableSpaces = e.FindSelectableSpaces(c, false)
	return nil
}

func (e *Engine) tail(p *PlayerState) track.Coord {
	if n := len(e.state.StepSpaces); n > 0 {
		return e.state.StepSpaces[n-1]
	}
	return p.CurrentPosition
}

// ReadyToConfirm: every step chosen, or nothing further can be selected
// (baulked or a dead end).
func (e *Engine) ReadyToConfirm() bool {
	st := e.state
	if st.Phase != PhaseMoving {
		return false
	}
	return len(st.StepSpaces) == st.RequiredSteps || len(st.AvailableSpaces) == 0
}

// Baulked reports whether the active player still owes steps but every
// forward space is taken by another car.
func (e *Engine) Baulked() bool {
	st := e.state
	p := st.Active()
	if st.Phase != PhaseMoving || p == nil || len(st.StepSpaces) >= st.RequiredSteps {
		return false
	}
	return e.baulkedAt(e.tail(p), p)
}

func (e *Engine) baulkedAt(from track.Coord, self *PlayerState) bool {
	reach := e.findSpaces(from, true, self)
	if len(reach) == 0 {
		return false
	}
	for _, c := range reach {
		if !e.occupiedByOther(c, self) {
			return false
		}
	}
	return true
}

// ConfirmMove ends the selection. When steps is non-nil it replaces the
// host's own selection and is replayed with the same rules; an invalid
// step rejects the confirm without changing state.
func (e *Engine) ConfirmMove(seat int, steps []track.Coord) error {
	p, err := e.active(seat, PhaseMoving)
	if err != nil {
		return err
	}
	st := e.state
	savedSteps, savedAvail := st.StepSpaces, st.AvailableSpaces
	if steps != nil {
		st.StepSpaces = nil
		st.AvailableSpaces = e.FindSelectableSpaces(p.CurrentPosition, false)
		for _, c := range steps {
			if err := e.pushStep(p, c); err != nil {
				st.StepSpaces, st.AvailableSpaces = savedSteps, savedAvail
				return fmt.Errorf("replay step %v: %w", c, err)
			}
		}
	}
	if !e.ReadyToConfirm() {
		chosen := len(st.StepSpaces)
		st.StepSpaces, st.AvailableSpaces = savedSteps, savedAvail
		return fmt.Errorf("%w: %d of %d steps", ErrNotReadyToConfirm, chosen, st.RequiredSteps)
	}
	if e.Baulked() && !e.resolveBaulk(p) {
		e.changed()
		return nil
	}
	e.beginCornering(p)
	e.changed()
	return nil
}

// resolveBaulk matches the mover's speed to the car blocking it. It returns
// false when the mover spun off instead.
func (e *Engine) resolveBaulk(p *PlayerState) bool {
	var blocker *PlayerState
	for _, c := range e.findSpaces(e.tail(p), true, p) {
		if o := e.occupant(c, p); o != nil {
			blocker = o
			break
		}
	}
	if blocker == nil {
		return true
	}
	switch {
	case p.CurrentSpeed > blocker.CurrentSpeed:
		reduction := p.CurrentSpeed - blocker.CurrentSpeed
		if p.BrakeWear >= e.rules.MaxBrakeWear && reduction > e.rules.StepSpeed {
			e.spinOff(p, p.CurrentPosition, "baulked with worn brakes")
			return false
		}
		e.applyReductionWear(p, reduction)
		p.CurrentSpeed = blocker.CurrentSpeed
	case p.CurrentSpeed < blocker.CurrentSpeed && blocker.CurrentSpeed-p.CurrentSpeed <= e.rules.MaxSpeedIncrease:
		p.CurrentSpeed = blocker.CurrentSpeed
	}
	e.state.Message = "baulked by " + blocker.Name
	return true
}

// ---------- penalty ----------

func (e *Engine) beginCornering(p *PlayerState) {
	st := e.state
	st.Phase = PhasePenalty
	st.CornersToResolve = nil
	for _, c := range st.StepSpaces {
		if _, ok := e.track.SafetySpeed(c); ok {
			st.CornersToResolve = append(st.CornersToResolve, c)
		}
	}
	e.nextCorner(p)
}

// nextCorner skips safe corners, spins off hopeless ones and suspends on
// the first corner that needs dice.
func (e *Engine) nextCorner(p *PlayerState) {
	st := e.state
	st.CurrentCorner = nil
	st.ExcessSpeed = 0
	st.Die1Result, st.Die2Result = nil, nil
	for len(st.CornersToResolve) > 0 {
		c := st.CornersToResolve[0]
		st.CornersToResolve = st.CornersToResolve[1:]
		safety, _ := e.track.SafetySpeed(c)
		excess := p.CurrentSpeed - safety
		if excess <= 0 {
			continue
		}
		if excess >= e.rules.CornerSpinOffExcess || p.TyreWear >= e.rules.MaxTyreWear {
			e.spinOff(p, c, "spun off at "+c.String())
			return
		}
		st.CurrentCorner = &c
		st.ExcessSpeed = excess
		return
	}
	e.finalize()
}

// RollDie rolls one of the two cornering dice. The penalty is applied once
// both are down.
func (e *Engine) RollDie(seat, die int) (int, error) {
	p, err := e.active(seat, PhasePenalty)
	if err != nil {
		return 0, err
	}
	st := e.state
	if st.CurrentCorner == nil {
		return 0, ErrNoCorner
	}
	var slot **int
	switch die {
	case 1:
		slot = &st.Die1Result
	case 2:
		slot = &st.Die2Result
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidDie, die)
	}
	if *slot != nil {
		return 0, ErrDieAlreadyRolled
	}
	v := e.dice.Roll()
	*slot = &v
	if st.Die1Result != nil && st.Die2Result != nil {
		e.resolveCorner(p)
	}
	e.changed()
	return v, nil
}

// PenaltyKey returns the chart level and roll key for a corner result.
func PenaltyKey(chart track.PenaltyChart, excess, d1, d2 int) (level, roll string) {
	level = track.Level20
	if excess > 20 {
		level = track.Level40
	}
	roll = strconv.Itoa(d1 + d2)
	if d1 == d2 && chart.Has(level, roll+"d") {
		roll += "d"
	}
	return level, roll
}

func (e *Engine) resolveCorner(p *PlayerState) {
	st := e.state
	corner := *st.CurrentCorner
	level, roll := PenaltyKey(e.track.PenaltyChart, st.ExcessSpeed, *st.Die1Result, *st.Die2Result)
	pen, ok := e.track.PenaltyChart.Lookup(level, roll)
	st.Message = ""
	if ok {
		if pen.SpinOffIfTyreWear4 && p.TyreWear >= e.rules.SpinOffTyreWear {
			e.spinOff(p, corner, messageOr(pen.Message, "spun off on worn tyres"))
			return
		}
		if pen.TyreWear > 0 {
			if p.TyreWear >= e.rules.MaxTyreWear {
				e.spinOff(p, corner, "tyres worn out")
				return
			}
			p.TyreWear = clamp(p.TyreWear+pen.TyreWear, 0, e.rules.MaxTyreWear)
		}
		p.BrakeWear = clamp(p.BrakeWear+pen.BrakeWear, 0, e.rules.MaxBrakeWear)
		if pen.SpinOff {
			e.spinOff(p, corner, messageOr(pen.Message, "spun off"))
			return
		}
		st.Message = pen.Message
	}
	log.Debug().Str("component", "game").Int("seat", p.ID).Str("level", level).Str("roll", roll).Bool("penalty", ok).Msg("corner resolved")
	e.schedule(e.rules.DisplayDelay, func() {
		if a := e.state.Active(); a != nil {
			e.nextCorner(a)
		}
		e.changed()
	})
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// ---------- spin-off / finalize / turn order ----------

// spinOff ends the turn: speed to zero, car parked in the nearest
// spin-off zone, remaining corners dropped.
func (e *Engine) spinOff(p *PlayerState, from track.Coord, reason string) {
	st := e.state
	p.CurrentSpeed = 0
	if dest, ok := e.nearestSpinOffSpace(from, p); ok {
		p.CurrentPosition = dest
	}
	st.StepSpaces = nil
	st.AvailableSpaces = nil
	st.CornersToResolve = nil
	st.CurrentCorner = nil
	st.Phase = PhaseMoved
	st.SpunOff = true
	st.Message = reason
	log.Info().Str("component", "game").Int("seat", p.ID).Str("reason", reason).Stringer("to", p.CurrentPosition).Msg("spin-off")
	e.schedule(e.rules.SpinOffDelay, func() {
		e.advanceTurn()
		e.changed()
	})
}

func (e *Engine) nearestSpinOffSpace(from track.Coord, self *PlayerState) (track.Coord, bool) {
	var (
		best, fallback         track.Coord
		bestDist, fallbackDist = -1.0, -1.0
	)
	for _, c := range e.track.SpinOffSpaces() {
		d := track.Distance(from, c)
		if fallbackDist < 0 || d < fallbackDist {
			fallback, fallbackDist = c, d
		}
		if e.occupiedByOther(c, self) {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist >= 0 {
		return best, true
	}
	if fallbackDist >= 0 {
		log.Warn().Str("component", "game").Int("seat", self.ID).Stringer("to", fallback).Msg("every spin-off space is taken, sharing the nearest")
	}
	return fallback, fallbackDist >= 0
}

// finalize applies the move, counts laps, services the pit and passes the turn.
func (e *Engine) finalize() {
	st := e.state
	p := st.Active()
	st.Phase = PhaseMoved
	if n := len(st.StepSpaces); n > 0 {
		prev := p.CurrentPosition.I
		laps := 0
		for _, s := range st.StepSpaces {
			if prev > 0 && s.I == 0 {
				laps++
			}
			prev = s.I
		}
		p.CurrentPosition = st.StepSpaces[n-1]
		for ; laps > 0 && p.LapsRemaining > 0; laps-- {
			p.LapsRemaining--
		}
		if p.LapsRemaining == 0 {
			st.Finishers = append(st.Finishers, p.ID)
			st.Message = p.Name + " finished"
			log.Info().Str("component", "game").Int("seat", p.ID).Int("place", len(st.Finishers)).Msg("player finished")
		}
	}
	if pit, ok := e.track.PitStop(p.Slot); ok && p.CurrentPosition == pit {
		p.TyreWear, p.BrakeWear = 0, 0
	}
	st.StepSpaces = nil
	st.AvailableSpaces = nil
	st.CornersToResolve = nil
	e.advanceTurn()
}

// advanceTurn passes control to the next racing seat in roster order.
func (e *Engine) advanceTurn() {
	st := e.state
	n := len(st.Players)
	for step := 1; step <= n; step++ {
		idx := (st.CurrentPlayerIndex + step) % n
		if idx < 0 {
			idx += n
		}
		if st.Players[idx].Racing() {
			st.CurrentPlayerIndex = idx
			e.startTurn()
			return
		}
	}
	e.resetTurn()
	st.Phase = PhaseFinished
	log.Info().Str("component", "game").Str("race", st.RaceID).Ints("finishers", st.Finishers).Msg("race finished")
}

func (e *Engine) startTurn() {
	e.resetTurn()
	e.state.Message = ""
	e.state.Phase = PhaseSpeedSelect
}

func (e *Engine) resetTurn() {
	st := e.state
	st.RequiredSteps = 0
	st.StepSpaces = nil
	st.AvailableSpaces = nil
	st.CornersToResolve = nil
	st.CurrentCorner = nil
	st.ExcessSpeed = 0
	st.Die1Result, st.Die2Result = nil, nil
	st.SpunOff = false
}

func (e *Engine) anyRacing() bool {
	for _, p := range e.state.Players {
		if p.Racing() {
			return true
		}
	}
	return false
}

// ---------- helpers ----------

func (e *Engine) active(seat int, phase Phase) (*PlayerState, error) {
	st := e.state
	if st.Phase != phase {
		return nil, fmt.Errorf("%w: %s, want %s", ErrWrongPhase, st.Phase, phase)
	}
	p := st.Active()
	if p == nil {
		return nil, ErrWrongPhase
	}
	if seat != st.CurrentPlayerIndex {
		return nil, fmt.Errorf("%w: seat %d, active %d", ErrNotYourTurn, seat, st.CurrentPlayerIndex)
	}
	return p, nil
}

// occupant is the racing car on c other than self.
func (e *Engine) occupant(c track.Coord, self *PlayerState) *PlayerState {
	c.I = e.track.Wrap(c.I)
	for _, p := range e.state.Players {
		if p == self || !p.Racing() {
			continue
		}
		if p.CurrentPosition == c {
			return p
		}
	}
	return nil
}

func (e *Engine) occupiedByOther(c track.Coord, self *PlayerState) bool {
	return e.occupant(c, self) != nil
}

func (e *Engine) schedule(d time.Duration, fn func()) {
	e.stopTimer()
	epoch := e.epoch
	if e.ctx == nil {
		return
	}
	e.cancel = e.ctx.Schedule(d, func() {
		if epoch != e.epoch {
			return
		}
		e.cancel = nil
		e.epoch++
		fn()
	})
}

func (e *Engine) stopTimer() {
	e.epoch++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *Engine) changed() {
	if e.ctx != nil {
		e.ctx.StateChanged()
	}
}
