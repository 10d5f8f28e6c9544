package game

import (
	"errors"
	"math/rand/v2"
	"time"
)

var (
	ErrWrongPhase            = errors.New("action not allowed in this phase")
	ErrNotYourTurn           = errors.New("not the active player")
	ErrInvalidSpeed          = errors.New("invalid speed")
	ErrSpeedIncreaseTooLarge = errors.New("speed increase exceeds one gear")
	ErrSpaceNotAvailable     = errors.New("space not selectable")
	ErrTooManySteps          = errors.New("all steps already selected")
	ErrNotReadyToConfirm     = errors.New("move not complete")
	ErrInvalidDie            = errors.New("die must be 1 or 2")
	ErrDieAlreadyRolled      = errors.New("die already rolled for this corner")
	ErrNoCorner              = errors.New("no corner awaiting dice")
	ErrRaceStarted           = errors.New("race already started")
	ErrNoRacers              = errors.New("no seated players")
)

// Rules are the tunable constants of the race.
type Rules struct {
	MaxTyreWear  int
	MaxBrakeWear int
	// MaxSpeedIncrease is the one-gear cap on acceleration per turn.
	MaxSpeedIncrease int
	// StepSpeed is the speed worth one space of movement.
	StepSpeed int
	// CornerSpinOffExcess: at or above this excess a corner is an automatic spin-off.
	CornerSpinOffExcess int
	// SpinOffTyreWear is the wear at which spinOffIfTyreWear4 entries trigger.
	SpinOffTyreWear int

	DisplayDelay time.Duration
	SpinOffDelay time.Duration
}

func DefaultRules() Rules {
	return Rules{
		MaxTyreWear:         6,
		MaxBrakeWear:        6,
		MaxSpeedIncrease:    60,
		StepSpeed:           20,
		CornerSpinOffExcess: 60,
		SpinOffTyreWear:     4,
		DisplayDelay:        1500 * time.Millisecond,
		SpinOffDelay:        1500 * time.Millisecond,
	}
}

// reductionWear is the speed-reduction chart: how much brake and tyre wear
// shedding the given amount of speed costs.
func reductionWear(reduction int) (brake, tyre int) {
	switch {
	case reduction <= 20:
		return 0, 0
	case reduction <= 40:
		return 1, 0
	case reduction <= 60:
		return 2, 0
	case reduction <= 80:
		return 3, 1
	default:
		return 4, 2
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Roller rolls one six-sided die.
type Roller interface {
	Roll() int
}

type randomRoller struct{}

func (randomRoller) Roll() int { return rand.IntN(6) + 1 }

// RandomRoller returns the default fair die.
func RandomRoller() Roller { return randomRoller{} }
