package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/statesync"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

func openMem(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func snapshot(rev uint64, speed int) statesync.Snapshot {
	d := 5
	st := &game.RaceState{
		RaceID: "2HbR3vG1",
		Laps:   3,
		Players: []*game.PlayerState{
			{ID: 0, PeerID: "a", Name: "Ada", CurrentSpeed: speed, CurrentPosition: track.Coord{I: 4, J: 2}, LapsRemaining: 3},
			{ID: 1, PeerID: "b", Spectator: true, Slot: -1, CurrentPosition: track.Coord{I: -1, J: -1}},
		},
		Phase:              game.PhasePenalty,
		CurrentPlayerIndex: 0,
		RequiredSteps:      3,
		StepSpaces:         []track.Coord{{I: 5, J: 2}},
		Die1Result:         &d,
		CurrentCorner:      &track.Coord{I: 5, J: 2},
		ExcessSpeed:        20,
		Finishers:          []int{},
	}
	return statesync.BuildSnapshot("monza", rev, st)
}

func TestLatestReturnsHighestRevision(t *testing.T) {
	b := openMem(t)
	for _, rev := range []uint64{1, 2, 10, 9} {
		require.NoError(t, b.Save("monza", snapshot(rev, int(rev)*10)))
	}
	require.NoError(t, b.Save("spa", snapshot(50, 0)))

	s, ok, err := b.Latest("monza")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), s.Revision, "10 sorts after 9")
	assert.Equal(t, 100, s.State.Players[0].CurrentSpeed)

	revs, err := b.Revisions("monza")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 9, 10}, revs)
}

func TestRoomsWithSlashesStayApart(t *testing.T) {
	b := openMem(t)
	require.NoError(t, b.Save("a", snapshot(1, 10)))
	require.NoError(t, b.Save("a/b", snapshot(7, 70)))

	s, ok, err := b.Latest("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.Revision)

	revs, err := b.Revisions("a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, revs)

	s, ok, err = b.Latest("a/b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 70, s.State.Players[0].CurrentSpeed)
}

func TestLatestEmpty(t *testing.T) {
	b := openMem(t)
	_, ok, err := b.Latest("nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotRoundTripKeepsState(t *testing.T) {
	b := openMem(t)
	in := snapshot(3, 60)
	require.NoError(t, b.Save("monza", in))

	out, ok, err := b.Latest("monza")
	require.NoError(t, err)
	require.True(t, ok)
	st := out.State
	require.NotNil(t, st)
	assert.Equal(t, in.State.RaceID, st.RaceID)
	assert.Equal(t, game.PhasePenalty, st.Phase)
	assert.Equal(t, in.State.Players[0].CurrentPosition, st.Players[0].CurrentPosition)
	assert.True(t, st.Players[1].Spectator)
	require.NotNil(t, st.Die1Result)
	assert.Equal(t, 5, *st.Die1Result)
	assert.Nil(t, st.Die2Result)
	require.NotNil(t, st.CurrentCorner)
	assert.Equal(t, track.Coord{I: 5, J: 2}, *st.CurrentCorner)
	assert.Equal(t, in.State.StepSpaces, st.StepSpaces)
}

func TestPruneKeepsNewest(t *testing.T) {
	b := openMem(t)
	b.Keep = 3
	for rev := uint64(1); rev <= 7; rev++ {
		require.NoError(t, b.Save("monza", snapshot(rev, 0)))
	}
	revs, err := b.Revisions("monza")
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5, 6, 7}, revs, "pruned at revision 6, then 7 added")

	require.NoError(t, b.Prune("monza", 1))
	revs, err = b.Revisions("monza")
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, revs)
}

func TestClosedStore(t *testing.T) {
	b, err := OpenBadger("")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Save("monza", snapshot(1, 0)), ErrClosed)
	_, _, err = b.Latest("monza")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOnDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, b.Save("monza", snapshot(4, 80)))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir)
	require.NoError(t, err)
	defer b.Close()
	s, ok, err := b.Latest("monza")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), s.Revision)
}
