// Package track describes the static race track: the lap-cyclic grid of
// spaces, their topography and the cornering penalty chart.
package track

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Coord addresses one space. I is the lap-cyclic row, J the lane.
type Coord struct {
	I int `json:"i" msgpack:"i"`
	J int `json:"j" msgpack:"j"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.I, c.J) }

// SpaceType is the topography code of a space.
type SpaceType int

const (
	Invisible    SpaceType = -2
	SpinOffZone  SpaceType = -1
	OutOfBounds  SpaceType = 0
	Normal       SpaceType = 1
	StartingGrid SpaceType = 2
	FinishLine   SpaceType = 3
	Pit          SpaceType = 4

	// CornerMin is the smallest corner code; a corner's code is its safety speed.
	CornerMin SpaceType = 10
)

func (t SpaceType) IsCorner() bool { return t >= CornerMin }

// Blocks reports whether a car can never stop on or pass through the space.
func (t SpaceType) Blocks() bool { return t == OutOfBounds || t == SpinOffZone }

func (t SpaceType) String() string {
	switch t {
	case Invisible:
		return "invisible"
	case SpinOffZone:
		return "spin-off-zone"
	case OutOfBounds:
		return "out-of-bounds"
	case Normal:
		return "normal"
	case StartingGrid:
		return "starting-grid"
	case FinishLine:
		return "finish-line"
	case Pit:
		return "pit"
	}
	if t.IsCorner() {
		return "corner-" + strconv.Itoa(int(t))
	}
	return "unknown-" + strconv.Itoa(int(t))
}

// Penalty is one cornering chart entry.
type Penalty struct {
	TyreWear           int    `json:"tyreWear,omitempty"`
	BrakeWear          int    `json:"brakeWear,omitempty"`
	SpinOff            bool   `json:"spinOff,omitempty"`
	SpinOffIfTyreWear4 bool   `json:"spinOffIfTyreWear4,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Penalty chart levels, keyed by how far the car exceeded the safety speed.
const (
	Level20 = "20"
	Level40 = "40"
)

// PenaltyChart maps level -> roll key ("7", or "6d" for a double three) -> penalty.
type PenaltyChart map[string]map[string]Penalty

// Lookup returns the entry for a roll, if the chart defines one.
func (c PenaltyChart) Lookup(level, roll string) (Penalty, bool) {
	p, ok := c[level][roll]
	return p, ok
}

// Has reports whether the chart defines the roll key at the level.
func (c PenaltyChart) Has(level, roll string) bool {
	_, ok := c[level][roll]
	return ok
}

// Data is the read-only track asset, loaded once and shared.
type Data struct {
	Coordinates  [][]*[2]float64 `json:"coordinates"`
	Topography   [][]SpaceType   `json:"topography"`
	PenaltyChart PenaltyChart    `json:"penaltyChart"`

	// Optional per-seat tables; see StartPosition and PitStop.
	StartingGrid []Coord `json:"startingGrid,omitempty"`
	PitStops     []Coord `json:"pitStops,omitempty"`
}

var (
	ErrEmptyTrack = errors.New("track has no rows")
	ErrBadShape   = errors.New("coordinates and topography disagree")
)

// Validate checks the asset's shape.
func (d *Data) Validate() error {
	if len(d.Topography) == 0 {
		return ErrEmptyTrack
	}
	if d.Coordinates != nil {
		if len(d.Coordinates) != len(d.Topography) {
			return fmt.Errorf("%w: %d coordinate rows, %d topography rows", ErrBadShape, len(d.Coordinates), len(d.Topography))
		}
		for i := range d.Topography {
			if len(d.Coordinates[i]) != len(d.Topography[i]) {
				return fmt.Errorf("%w: row %d", ErrBadShape, i)
			}
		}
	}
	for level := range d.PenaltyChart {
		if level != Level20 && level != Level40 {
			return fmt.Errorf("penalty chart: unknown level %q", level)
		}
	}
	return nil
}

// Rows is the lap length in rows.
func (d *Data) Rows() int { return len(d.Topography) }

// Wrap folds any row index onto the lap.
func (d *Data) Wrap(i int) int {
	n := d.Rows()
	return ((i % n) + n) % n
}

// Topo returns the topography of the space, wrapping the row. Lanes
// outside the row report ok=false.
func (d *Data) Topo(c Coord) (SpaceType, bool) {
	row := d.Topography[d.Wrap(c.I)]
	if c.J < 0 || c.J >= len(row) {
		return OutOfBounds, false
	}
	return row[c.J], true
}

// Point returns the pixel coordinates of a space, if it has any.
func (d *Data) Point(c Coord) (x, y float64, ok bool) {
	if d.Coordinates == nil {
		return 0, 0, false
	}
	row := d.Coordinates[d.Wrap(c.I)]
	if c.J < 0 || c.J >= len(row) || row[c.J] == nil {
		return 0, 0, false
	}
	return row[c.J][0], row[c.J][1], true
}

// Landable reports whether a car can be drawn on the space. A track
// without coordinates accepts every space; otherwise a null cell blocks.
func (d *Data) Landable(c Coord) bool {
	if d.Coordinates == nil {
		return true
	}
	_, _, ok := d.Point(c)
	return ok
}

// SafetySpeed returns the corner's safety speed, ok=false for non-corners.
func (d *Data) SafetySpeed(c Coord) (int, bool) {
	t, ok := d.Topo(c)
	if !ok || !t.IsCorner() {
		return 0, false
	}
	return int(t), true
}

// StartPosition is the grid slot for a seat. Without a startingGrid table
// seat k starts on row 0, lane 6-k.
func (d *Data) StartPosition(seat int) Coord {
	if seat >= 0 && seat < len(d.StartingGrid) {
		return d.StartingGrid[seat]
	}
	return Coord{I: 0, J: 6 - seat}
}

// PitStop is the seat's designated pit-stop space.
func (d *Data) PitStop(seat int) (Coord, bool) {
	if seat >= 0 && seat < len(d.PitStops) {
		return d.PitStops[seat], true
	}
	return Coord{}, false
}

// SpinOffSpaces lists every spin-off-zone space in row, then lane order.
func (d *Data) SpinOffSpaces() []Coord {
	var out []Coord
	for i, row := range d.Topography {
		for j, t := range row {
			if t == SpinOffZone {
				out = append(out, Coord{I: i, J: j})
			}
		}
	}
	return out
}

// Distance is the Euclidean distance between two spaces in index space.
func Distance(a, b Coord) float64 {
	return math.Hypot(float64(a.I-b.I), float64(a.J-b.J))
}
