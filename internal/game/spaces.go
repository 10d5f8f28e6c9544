package game

import "github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"

// direction is one forward heading plus the two follow-up offsets used
// when a hop lands on an invisible connective space.
type direction struct {
	name string
	hops [3]track.Coord
}

var directions = [3]direction{
	{name: "straight", hops: [3]track.Coord{{I: 1, J: 0}, {I: 1, J: 0}, {I: 1, J: 0}}},
	{name: "left", hops: [3]track.Coord{{I: 1, J: 1}, {I: 0, J: 1}, {I: 1, J: -1}}},
	{name: "right", hops: [3]track.Coord{{I: 1, J: -1}, {I: 0, J: -1}, {I: 1, J: 1}}},
}

// FindSelectableSpaces returns the spaces the active player could step to
// from current, in straight, left, right order.
func (e *Engine) FindSelectableSpaces(current track.Coord, ignoreOccupied bool) []track.Coord {
	return e.findSpaces(current, ignoreOccupied, e.state.Active())
}

func (e *Engine) findSpaces(current track.Coord, ignoreOccupied bool, self *PlayerState) []track.Coord {
	var out []track.Coord
	for _, dir := range directions {
		pos := current
		for _, d := range dir.hops {
			pos = track.Coord{I: e.track.Wrap(pos.I + d.I), J: pos.J + d.J}
			topo, ok := e.track.Topo(pos)
			if !ok || topo.Blocks() {
				break
			}
			if !ignoreOccupied && e.occupiedByOther(pos, self) {
				break
			}
			if topo != track.Invisible {
				if !e.track.Landable(pos) {
					break
				}
				if !containsCoord(out, pos) {
					out = append(out, pos)
				}
				break
			}
		}
	}
	return out
}
