package game

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

// ---------- fakes ----------

type fakeTimer struct {
	d         time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

type fakeSession struct {
	timers  []*fakeTimer
	changes int
}

func (f *fakeSession) Schedule(d time.Duration, fn func()) func() {
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return func() { t.cancelled = true }
}

func (f *fakeSession) StateChanged() { f.changes++ }

// fire runs the oldest live timer.
func (f *fakeSession) fire(t *testing.T) {
	t.Helper()
	for _, tm := range f.timers {
		if !tm.cancelled && !tm.fired {
			tm.fired = true
			tm.fn()
			return
		}
	}
	t.Fatalf("no pending timer")
}

func (f *fakeSession) pending() int {
	n := 0
	for _, tm := range f.timers {
		if !tm.cancelled && !tm.fired {
			n++
		}
	}
	return n
}

type fixedDice struct {
	vals []int
	i    int
}

func (d *fixedDice) Roll() int {
	v := d.vals[d.i%len(d.vals)]
	d.i++
	return v
}

// ---------- fixtures ----------

// testTrack: lane 0 spin-off zone, lanes 1-3 tarmac, lane 4 out of bounds.
func testTrack(rows int) *track.Data {
	topo := make([][]track.SpaceType, rows)
	for i := range topo {
		topo[i] = []track.SpaceType{track.SpinOffZone, track.Normal, track.Normal, track.Normal, track.OutOfBounds}
	}
	return &track.Data{
		Topography:   topo,
		PenaltyChart: track.PenaltyChart{},
		StartingGrid: []track.Coord{{I: 0, J: 2}, {I: 0, J: 1}, {I: 0, J: 3}, {I: 5, J: 2}},
	}
}

func racers(n int) []Entrant {
	out := make([]Entrant, n)
	for i := range out {
		out[i] = Entrant{PeerID: string(rune('a' + i)), Name: string(rune('A' + i)), IsPlayer: true}
	}
	return out
}

func newRace(t *testing.T, td *track.Data, entrants []Entrant, laps int, dice ...int) (*Engine, *fakeSession) {
	t.Helper()
	sess := &fakeSession{}
	var roller Roller
	if len(dice) > 0 {
		roller = &fixedDice{vals: dice}
	}
	e := NewEngine(td, DefaultRules(), sess, roller)
	require.NoError(t, e.Start(entrants, laps))
	require.NoError(t, e.BeginRace())
	return e, sess
}

func coords(cs ...[2]int) []track.Coord {
	out := make([]track.Coord, len(cs))
	for i, c := range cs {
		out[i] = track.Coord{I: c[0], J: c[1]}
	}
	return out
}

// ---------- lifecycle ----------

func TestStartSeatsRacersOnGrid(t *testing.T) {
	td := testTrack(10)
	e := NewEngine(td, DefaultRules(), &fakeSession{}, nil)
	entrants := []Entrant{
		{PeerID: "a", IsPlayer: true},
		{PeerID: "s", IsPlayer: false},
		{PeerID: "b", IsPlayer: true},
	}
	require.NoError(t, e.Start(entrants, 3))

	st := e.State()
	assert.Equal(t, -1, st.CurrentPlayerIndex)
	assert.Equal(t, PhaseWaiting, st.Phase)
	assert.NotEmpty(t, st.RaceID)
	require.Len(t, st.Players, 3)
	assert.Equal(t, track.Coord{I: 0, J: 2}, st.Players[0].CurrentPosition)
	assert.True(t, st.Players[1].Spectator)
	assert.Equal(t, track.Coord{I: 0, J: 1}, st.Players[2].CurrentPosition, "spectators take no grid slot")
	assert.Equal(t, 3, st.Players[2].LapsRemaining)

	require.NoError(t, e.BeginRace())
	assert.Equal(t, 0, e.State().CurrentPlayerIndex)
	assert.Equal(t, PhaseSpeedSelect, e.State().Phase)
	assert.ErrorIs(t, e.BeginRace(), ErrRaceStarted)
}

func TestStartWithoutRacers(t *testing.T) {
	e := NewEngine(testTrack(4), DefaultRules(), &fakeSession{}, nil)
	assert.ErrorIs(t, e.Start([]Entrant{{PeerID: "s"}}, 1), ErrNoRacers)
}

func TestActionsFromInactiveSeatAreRejected(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	assert.ErrorIs(t, e.SelectSpeed(1, 40), ErrNotYourTurn)
	assert.ErrorIs(t, e.ConfirmMove(0, nil), ErrWrongPhase)
	_, err := e.RollDie(0, 1)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

// ---------- speedselect ----------

func TestSelectSpeedRejectsMoreThanOneGear(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(2), 2)
	before := sess.changes

	assert.ErrorIs(t, e.SelectSpeed(0, 80), ErrSpeedIncreaseTooLarge)
	assert.ErrorIs(t, e.SelectSpeed(0, -20), ErrInvalidSpeed)

	st := e.State()
	assert.Equal(t, PhaseSpeedSelect, st.Phase)
	assert.Equal(t, 0, st.Players[0].CurrentSpeed)
	assert.Equal(t, before, sess.changes)
}

func TestSpeedReductionWear(t *testing.T) {
	cases := []struct {
		from, to     int
		brake, tyres int
	}{
		{from: 100, to: 80},
		{from: 100, to: 60, brake: 1},
		{from: 100, to: 40, brake: 2},
		{from: 100, to: 20, brake: 3, tyres: 1},
		{from: 100, to: 0, brake: 4, tyres: 2},
	}
	for _, tc := range cases {
		e, _ := newRace(t, testTrack(10), racers(1), 2)
		p := e.State().Players[0]
		p.CurrentSpeed = tc.from
		require.NoError(t, e.SelectSpeed(0, tc.to))
		assert.Equal(t, tc.brake, p.BrakeWear, "%d -> %d", tc.from, tc.to)
		assert.Equal(t, tc.tyres, p.TyreWear, "%d -> %d", tc.from, tc.to)
		assert.Equal(t, tc.to, p.CurrentSpeed)
	}
}

func TestWearNeverExceedsMaximum(t *testing.T) {
	e := NewEngine(testTrack(4), DefaultRules(), &fakeSession{}, nil)
	p := &PlayerState{}
	for i := 0; i < 10; i++ {
		e.applyReductionWear(p, 100)
		assert.LessOrEqual(t, p.BrakeWear, e.rules.MaxBrakeWear)
		assert.LessOrEqual(t, p.TyreWear, e.rules.MaxTyreWear)
	}
	assert.Equal(t, e.rules.MaxBrakeWear, p.BrakeWear)
	assert.Equal(t, e.rules.MaxTyreWear, p.TyreWear)
}

func TestHardBrakingOnWornBrakesSpinsOff(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(2), 2)
	p := e.State().Players[0]
	p.CurrentSpeed = 100
	p.CurrentPosition = track.Coord{I: 4, J: 2}
	p.BrakeWear = e.rules.MaxBrakeWear

	require.NoError(t, e.SelectSpeed(0, 60))

	st := e.State()
	assert.Equal(t, 0, p.CurrentSpeed)
	assert.Equal(t, track.Coord{I: 4, J: 0}, p.CurrentPosition)
	assert.Equal(t, PhaseMoved, st.Phase)
	assert.True(t, st.SpunOff)
	assert.Equal(t, 0, st.CurrentPlayerIndex, "control passes after the delay")

	sess.fire(t)
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
	assert.Equal(t, PhaseSpeedSelect, e.State().Phase)
}

func TestZeroSpeedStaysInPlace(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	require.NoError(t, e.SelectSpeed(0, 0))
	assert.Equal(t, track.Coord{I: 0, J: 2}, e.State().Players[0].CurrentPosition)
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
}

// ---------- moving ----------

func TestThreeStepMoveEndToEnd(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)

	require.NoError(t, e.SelectSpeed(0, 60))
	st := e.State()
	assert.Equal(t, 3, st.RequiredSteps)
	assert.Equal(t, PhaseMoving, st.Phase)
	assert.ElementsMatch(t, coords([2]int{1, 2}, [2]int{1, 3}, [2]int{1, 1}), st.AvailableSpaces)

	for _, c := range coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2}) {
		assert.False(t, e.ReadyToConfirm())
		require.NoError(t, e.SelectSpace(0, c))
	}
	assert.True(t, e.ReadyToConfirm())
	assert.ErrorIs(t, e.SelectSpace(0, track.Coord{I: 4, J: 2}), ErrTooManySteps)

	require.NoError(t, e.ConfirmMove(0, nil))
	st = e.State()
	assert.Equal(t, track.Coord{I: 3, J: 2}, st.Players[0].CurrentPosition)
	assert.Empty(t, st.StepSpaces)
	assert.Empty(t, st.AvailableSpaces)
	assert.Equal(t, 1, st.CurrentPlayerIndex)
	assert.Equal(t, PhaseSpeedSelect, st.Phase)
}

func TestConfirmBeforeAllStepsFails(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(1), 2)
	require.NoError(t, e.SelectSpeed(0, 40))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 2}))
	assert.ErrorIs(t, e.ConfirmMove(0, nil), ErrNotReadyToConfirm)
}

func TestShortConfirmKeepsSelection(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(1), 2)
	require.NoError(t, e.SelectSpeed(0, 60))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 2}))
	avail := append([]track.Coord(nil), e.State().AvailableSpaces...)
	changes := sess.changes

	err := e.ConfirmMove(0, coords([2]int{1, 1}))
	assert.ErrorIs(t, err, ErrNotReadyToConfirm)
	st := e.State()
	assert.Equal(t, coords([2]int{1, 2}), st.StepSpaces)
	assert.Equal(t, avail, st.AvailableSpaces)
	assert.Equal(t, PhaseMoving, st.Phase)
	assert.Equal(t, changes, sess.changes)

	// the kept selection can still be completed
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 2, J: 2}))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 3, J: 2}))
	require.NoError(t, e.ConfirmMove(0, nil))
	assert.Equal(t, track.Coord{I: 3, J: 2}, st.Players[0].CurrentPosition)
}

func TestReselectingLastSpaceUndoes(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(1), 2)
	require.NoError(t, e.SelectSpeed(0, 40))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 3}))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 2, J: 3}))

	require.NoError(t, e.SelectSpace(0, track.Coord{I: 2, J: 3}))
	assert.Equal(t, coords([2]int{1, 3}), e.State().StepSpaces)
	assert.ElementsMatch(t, coords([2]int{2, 3}, [2]int{2, 2}), e.State().AvailableSpaces)

	// only the tail can be undone
	assert.ErrorIs(t, e.SelectSpace(0, track.Coord{I: 0, J: 2}), ErrSpaceNotAvailable)

	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 3}))
	assert.Empty(t, e.State().StepSpaces)
	assert.ElementsMatch(t, coords([2]int{1, 2}, [2]int{1, 3}, [2]int{1, 1}), e.State().AvailableSpaces)
}

func TestSelectSpaceRejectsUnreachable(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(1), 2)
	require.NoError(t, e.SelectSpeed(0, 40))
	assert.ErrorIs(t, e.SelectSpace(0, track.Coord{I: 2, J: 2}), ErrSpaceNotAvailable)
	assert.Empty(t, e.State().StepSpaces)
}

func TestConfirmWithStepsReplaysSelection(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	require.NoError(t, e.SelectSpeed(0, 40))

	err := e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{3, 2}))
	assert.ErrorIs(t, err, ErrSpaceNotAvailable)
	assert.Empty(t, e.State().StepSpaces, "failed replay leaves selection untouched")
	assert.Equal(t, PhaseMoving, e.State().Phase)

	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 1})))
	assert.Equal(t, track.Coord{I: 2, J: 1}, e.State().Players[0].CurrentPosition)
}

// ---------- baulking ----------

func baulkSetup(t *testing.T, moverSpeed, blockerSpeed int) (*Engine, *fakeSession) {
	t.Helper()
	e, sess := newRace(t, testTrack(10), racers(4), 2)
	st := e.State()
	st.Players[1].CurrentPosition = track.Coord{I: 1, J: 1}
	st.Players[2].CurrentPosition = track.Coord{I: 1, J: 2}
	st.Players[3].CurrentPosition = track.Coord{I: 1, J: 3}
	st.Players[1].CurrentSpeed = 80
	st.Players[2].CurrentSpeed = blockerSpeed
	st.Players[3].CurrentSpeed = 80
	st.Players[0].CurrentSpeed = moverSpeed
	require.NoError(t, e.SelectSpeed(0, moverSpeed))
	return e, sess
}

func TestBaulkDetection(t *testing.T) {
	e, _ := baulkSetup(t, 60, 40)
	assert.True(t, e.Baulked())
	assert.Empty(t, e.State().AvailableSpaces)
	assert.True(t, e.ReadyToConfirm())

	e2, _ := newRace(t, testTrack(10), racers(3), 2)
	st := e2.State()
	st.Players[1].CurrentPosition = track.Coord{I: 1, J: 1}
	st.Players[2].CurrentPosition = track.Coord{I: 1, J: 2}
	require.NoError(t, e2.SelectSpeed(0, 40))
	assert.False(t, e2.Baulked(), "lane 3 is still open")
	assert.Equal(t, coords([2]int{1, 3}), e2.State().AvailableSpaces)
}

func TestBaulkFasterMoverBrakesToBlocker(t *testing.T) {
	e, _ := baulkSetup(t, 100, 40)
	require.NoError(t, e.ConfirmMove(0, nil))

	p := e.State().Players[0]
	assert.Equal(t, 40, p.CurrentSpeed, "matches the straight-ahead blocker")
	assert.Equal(t, 2, p.BrakeWear)
	assert.Equal(t, track.Coord{I: 0, J: 2}, p.CurrentPosition)
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
}

func TestBaulkSlowerMoverIsPulledUp(t *testing.T) {
	e, _ := baulkSetup(t, 20, 60)
	require.NoError(t, e.ConfirmMove(0, nil))
	p := e.State().Players[0]
	assert.Equal(t, 60, p.CurrentSpeed)
	assert.Zero(t, p.BrakeWear)
}

func TestBaulkOnWornBrakesSpinsOff(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(4), 2)
	st := e.State()
	for i, lane := range []int{1, 2, 3} {
		st.Players[i+1].CurrentPosition = track.Coord{I: 1, J: lane}
		st.Players[i+1].CurrentSpeed = 40
	}
	st.Players[0].CurrentSpeed = 100
	st.Players[0].BrakeWear = e.rules.MaxBrakeWear
	require.NoError(t, e.SelectSpeed(0, 100))

	require.NoError(t, e.ConfirmMove(0, nil))
	p := st.Players[0]
	assert.Equal(t, 0, p.CurrentSpeed)
	assert.Equal(t, track.Coord{I: 0, J: 0}, p.CurrentPosition)
	assert.True(t, e.State().SpunOff)
	assert.Equal(t, 1, sess.pending())
}

// ---------- cornering ----------

func cornerTrack(safety int, chart track.PenaltyChart) *track.Data {
	td := testTrack(10)
	td.Topography[2][2] = track.SpaceType(safety)
	td.PenaltyChart = chart
	return td
}

func TestCornerDoublesUseDoublesEntry(t *testing.T) {
	chart := track.PenaltyChart{
		track.Level20: {
			"6":  {TyreWear: 1, Message: "plain six"},
			"6d": {BrakeWear: 2, Message: "double three"},
		},
	}
	e, sess := newRace(t, cornerTrack(40, chart), racers(2), 2, 3, 3)

	require.NoError(t, e.SelectSpeed(0, 60))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2})))

	st := e.State()
	require.Equal(t, PhasePenalty, st.Phase)
	require.NotNil(t, st.CurrentCorner)
	assert.Equal(t, track.Coord{I: 2, J: 2}, *st.CurrentCorner)
	assert.Equal(t, 20, st.ExcessSpeed)

	v, err := e.RollDie(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	_, err = e.RollDie(0, 1)
	assert.ErrorIs(t, err, ErrDieAlreadyRolled)
	_, err = e.RollDie(0, 3)
	assert.ErrorIs(t, err, ErrInvalidDie)
	_, err = e.RollDie(0, 2)
	require.NoError(t, err)

	p := st.Players[0]
	assert.Equal(t, 2, p.BrakeWear)
	assert.Zero(t, p.TyreWear)
	assert.Equal(t, "double three", st.Message)
	assert.Equal(t, 1, sess.pending())

	sess.fire(t)
	assert.Equal(t, track.Coord{I: 3, J: 2}, p.CurrentPosition)
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
}

func TestSafeCornerNeedsNoDice(t *testing.T) {
	e, sess := newRace(t, cornerTrack(80, track.PenaltyChart{}), racers(2), 2)
	require.NoError(t, e.SelectSpeed(0, 60))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2})))
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
	assert.Zero(t, sess.pending())
}

func TestGrossOverspeedSpinsOff(t *testing.T) {
	e, sess := newRace(t, cornerTrack(20, track.PenaltyChart{}), racers(2), 2)
	p := e.State().Players[0]
	p.CurrentSpeed = 40
	require.NoError(t, e.SelectSpeed(0, 80))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2}, [2]int{4, 2})))

	assert.Equal(t, track.Coord{I: 2, J: 0}, p.CurrentPosition)
	assert.Zero(t, p.CurrentSpeed)
	assert.Empty(t, e.State().CornersToResolve)
	sess.fire(t)
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
}

func TestCrowdedSpinOffZoneSharesNearest(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	e, _ := newRace(t, testTrack(2), racers(3), 2)
	st := e.State()
	st.Players[1].CurrentPosition = track.Coord{I: 0, J: 0}
	st.Players[2].CurrentPosition = track.Coord{I: 1, J: 0}

	got, ok := e.nearestSpinOffSpace(track.Coord{I: 1, J: 2}, st.Players[0])
	require.True(t, ok)
	assert.Equal(t, track.Coord{I: 1, J: 0}, got)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "every spin-off space is taken")

	buf.Reset()
	st.Players[1].Retired = true
	got, _ = e.nearestSpinOffSpace(track.Coord{I: 1, J: 2}, st.Players[0])
	assert.Equal(t, track.Coord{I: 0, J: 0}, got)
	assert.Empty(t, buf.String())
}

func TestWornTyresSpinOffAtCorner(t *testing.T) {
	e, _ := newRace(t, cornerTrack(40, track.PenaltyChart{}), racers(2), 2)
	p := e.State().Players[0]
	p.TyreWear = e.rules.MaxTyreWear
	require.NoError(t, e.SelectSpeed(0, 60))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2})))
	assert.True(t, e.State().SpunOff)
}

func TestChartSpinOffRules(t *testing.T) {
	chart := track.PenaltyChart{
		track.Level20: {
			"7":  {SpinOffIfTyreWear4: true, TyreWear: 1},
			"8":  {TyreWear: 2},
			"11": {BrakeWear: 1, SpinOff: true},
		},
	}
	run := func(tyres, d1, d2 int) (*Engine, *PlayerState) {
		e, _ := newRace(t, cornerTrack(40, chart), racers(2), 2, d1, d2)
		p := e.State().Players[0]
		p.TyreWear = tyres
		require.NoError(t, e.SelectSpeed(0, 60))
		require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 2}, [2]int{2, 2}, [2]int{3, 2})))
		_, err := e.RollDie(0, 1)
		require.NoError(t, err)
		_, err = e.RollDie(0, 2)
		require.NoError(t, err)
		return e, p
	}

	e, p := run(4, 3, 4)
	assert.True(t, e.State().SpunOff, "tyre wear 4 spins on a 7")

	e, p = run(3, 3, 4)
	assert.False(t, e.State().SpunOff)
	assert.Equal(t, 4, p.TyreWear)

	e, p = run(5, 4, 4)
	assert.False(t, e.State().SpunOff)
	assert.Equal(t, 6, p.TyreWear, "clamped at maximum")

	e, p = run(2, 5, 6)
	assert.True(t, e.State().SpunOff)
	assert.Equal(t, 1, p.BrakeWear, "brake wear applies before the spin")
}

func TestPenaltyKey(t *testing.T) {
	chart := track.PenaltyChart{track.Level20: {"6": {}, "6d": {}}, track.Level40: {"6": {}}}

	level, roll := PenaltyKey(chart, 20, 3, 3)
	assert.Equal(t, track.Level20, level)
	assert.Equal(t, "6d", roll)

	level, roll = PenaltyKey(chart, 21, 3, 3)
	assert.Equal(t, track.Level40, level)
	assert.Equal(t, "6", roll, "no doubles entry at level 40")

	_, roll = PenaltyKey(chart, 10, 2, 4)
	assert.Equal(t, "6", roll)
}

// ---------- turn order, laps, pit ----------

func TestTurnOrderSkipsSpectators(t *testing.T) {
	entrants := []Entrant{
		{PeerID: "p0", IsPlayer: true},
		{PeerID: "p1", IsPlayer: false},
		{PeerID: "p2", IsPlayer: true},
	}
	e, _ := newRace(t, testTrack(10), entrants, 2)
	require.NoError(t, e.SelectSpeed(0, 0))
	assert.Equal(t, 2, e.State().CurrentPlayerIndex)
	require.NoError(t, e.SelectSpeed(2, 0))
	assert.Equal(t, 0, e.State().CurrentPlayerIndex)
}

func TestLapCompletionAndFinish(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 1)
	p := e.State().Players[0]
	p.CurrentPosition = track.Coord{I: 8, J: 2}
	p.CurrentSpeed = 60

	require.NoError(t, e.SelectSpeed(0, 60))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{9, 2}, [2]int{0, 2}, [2]int{1, 2})))

	st := e.State()
	assert.Zero(t, p.LapsRemaining)
	assert.Equal(t, []int{0}, st.Finishers)
	assert.Equal(t, p, st.Winner())
	assert.False(t, p.Racing())
	assert.Equal(t, 1, st.CurrentPlayerIndex)

	// the remaining racer keeps going alone
	require.NoError(t, e.SelectSpeed(1, 0))
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
}

func TestLastFinisherEndsRace(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(1), 1)
	p := e.State().Players[0]
	p.CurrentPosition = track.Coord{I: 9, J: 2}
	require.NoError(t, e.SelectSpeed(0, 20))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 0, J: 2}))
	require.NoError(t, e.ConfirmMove(0, nil))

	assert.Equal(t, PhaseFinished, e.State().Phase)
	_, ok := e.ActivePeer()
	assert.False(t, ok)
}

func TestNoLapFromGrid(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(1), 2)
	require.NoError(t, e.SelectSpeed(0, 20))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 2}))
	require.NoError(t, e.ConfirmMove(0, nil))
	assert.Equal(t, 2, e.State().Players[0].LapsRemaining)
}

func TestPitStopResetsWear(t *testing.T) {
	td := testTrack(10)
	td.PitStops = []track.Coord{{I: 1, J: 1}}
	e, _ := newRace(t, td, racers(1), 2)
	p := e.State().Players[0]
	p.TyreWear, p.BrakeWear = 5, 3

	require.NoError(t, e.SelectSpeed(0, 20))
	require.NoError(t, e.ConfirmMove(0, coords([2]int{1, 1})))
	assert.Zero(t, p.TyreWear)
	assert.Zero(t, p.BrakeWear)
}

// ---------- timers, retire, restore ----------

func TestRestartInvalidatesPendingTimer(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(2), 2)
	p := e.State().Players[0]
	p.CurrentSpeed, p.BrakeWear = 100, e.rules.MaxBrakeWear
	require.NoError(t, e.SelectSpeed(0, 40))
	require.Equal(t, 1, sess.pending())
	stale := sess.timers[0].fn

	require.NoError(t, e.Start(racers(2), 2))
	assert.True(t, sess.timers[0].cancelled)
	assert.False(t, e.Pending())

	stale()
	assert.Equal(t, -1, e.State().CurrentPlayerIndex, "stale callback must not advance the new race")
}

func TestRetireActivePlayerPassesTurn(t *testing.T) {
	e, sess := newRace(t, testTrack(10), racers(3), 2)
	p := e.State().Players[0]
	p.CurrentSpeed, p.BrakeWear = 100, e.rules.MaxBrakeWear
	require.NoError(t, e.SelectSpeed(0, 40))
	require.Equal(t, 1, sess.pending())

	assert.True(t, e.Retire("a"))
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
	assert.Zero(t, sess.pending())
	assert.False(t, e.Retire("a"), "already retired")
	assert.False(t, e.Retire("zz"))

	assert.True(t, e.Retire("c"))
	assert.Equal(t, 1, e.State().CurrentPlayerIndex)
	assert.True(t, e.Retire("b"))
	assert.Equal(t, PhaseFinished, e.State().Phase)
}

func TestRetiredCarFreesItsSpace(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	e.State().Players[1].CurrentPosition = track.Coord{I: 1, J: 2}
	require.True(t, e.Retire("b"))
	require.NoError(t, e.SelectSpeed(0, 20))
	assert.Contains(t, e.State().AvailableSpaces, track.Coord{I: 1, J: 2})
}

func TestRestoreMidMoveRestartsTurn(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	require.NoError(t, e.SelectSpeed(0, 40))
	require.NoError(t, e.SelectSpace(0, track.Coord{I: 1, J: 2}))

	sess := &fakeSession{}
	r := Restore(e.Track(), e.Rules(), sess, nil, e.State())
	st := r.State()
	assert.Equal(t, PhaseSpeedSelect, st.Phase)
	assert.Equal(t, 0, st.CurrentPlayerIndex)
	assert.Empty(t, st.StepSpaces)
	assert.Equal(t, 40, st.Players[0].CurrentSpeed)

	// the source engine is untouched
	assert.Equal(t, PhaseMoving, e.State().Phase)
}

func TestRestoreAfterMoveAdvances(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	st := e.State().Clone()
	st.Phase = PhaseMoved
	r := Restore(e.Track(), e.Rules(), &fakeSession{}, nil, st)
	assert.Equal(t, 1, r.State().CurrentPlayerIndex)
}

func TestRestoreWaitingOnIntentReopensTurn(t *testing.T) {
	e, _ := newRace(t, testTrack(10), racers(2), 2)
	require.NoError(t, e.SelectSpeed(0, 0))
	st := e.State().Clone()
	st.Phase = PhaseWaiting
	require.Equal(t, 1, st.CurrentPlayerIndex)

	r := Restore(e.Track(), e.Rules(), &fakeSession{}, nil, st)
	assert.Equal(t, PhaseSpeedSelect, r.State().Phase)
	assert.Equal(t, 1, r.State().CurrentPlayerIndex)
	require.NoError(t, r.SelectSpeed(1, 20))
}

func TestRestoreBeforeRaceStaysWaiting(t *testing.T) {
	e := NewEngine(testTrack(10), DefaultRules(), &fakeSession{}, nil)
	require.NoError(t, e.Start(racers(2), 2))
	r := Restore(e.Track(), e.Rules(), &fakeSession{}, nil, e.State())
	assert.Equal(t, PhaseWaiting, r.State().Phase)
	assert.Equal(t, -1, r.State().CurrentPlayerIndex)
}
