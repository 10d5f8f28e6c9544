package statesync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrUnauthorized  = errors.New("action from a player who is not active")
)

// Action is a client intent. The variant set is closed: SelectSpeed,
// SelectSpace, ConfirmMove and RollDie.
type Action interface {
	Kind() string
	isAction()
}

const (
	KindSelectSpeed = "selectSpeed"
	KindSelectSpace = "selectSpace"
	KindConfirmMove = "confirmMove"
	KindRollDie     = "rollDie"
)

type SelectSpeed struct{ Speed int }

type SelectSpace struct{ Space track.Coord }

// ConfirmMove optionally carries the full step list; nil means "use the
// selection the host already holds".
type ConfirmMove struct{ Steps []track.Coord }

type RollDie struct{ Die int }

func (SelectSpeed) Kind() string { return KindSelectSpeed }
func (SelectSpace) Kind() string { return KindSelectSpace }
func (ConfirmMove) Kind() string { return KindConfirmMove }
func (RollDie) Kind() string     { return KindRollDie }

func (SelectSpeed) isAction() {}
func (SelectSpace) isAction() {}
func (ConfirmMove) isAction() {}
func (RollDie) isAction()     {}

// actionJSON is the flat wire form: {"type":"selectSpeed","speed":60}.
type actionJSON struct {
	Type  string        `json:"type"`
	Speed *int          `json:"speed,omitempty"`
	Space *track.Coord  `json:"space,omitempty"`
	Steps []track.Coord `json:"steps,omitempty"`
	Die   *int          `json:"die,omitempty"`
}

// ClientActionPayload is the payload of a clientAction envelope.
type ClientActionPayload struct {
	Action json.RawMessage `json:"action"`
}

func EncodeAction(a Action) (ClientActionPayload, error) {
	aj := actionJSON{Type: a.Kind()}
	switch v := a.(type) {
	case SelectSpeed:
		aj.Speed = &v.Speed
	case SelectSpace:
		aj.Space = &v.Space
	case ConfirmMove:
		aj.Steps = v.Steps
	case RollDie:
		aj.Die = &v.Die
	default:
		return ClientActionPayload{}, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
	b, err := json.Marshal(aj)
	if err != nil {
		return ClientActionPayload{}, err
	}
	return ClientActionPayload{Action: b}, nil
}

// DecodeAction parses a clientAction payload.
func DecodeAction(payload json.RawMessage) (Action, error) {
	var p ClientActionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode clientAction: %w", err)
	}
	var aj actionJSON
	if err := json.Unmarshal(p.Action, &aj); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch aj.Type {
	case KindSelectSpeed:
		if aj.Speed == nil {
			return nil, fmt.Errorf("%s: missing speed", aj.Type)
		}
		return SelectSpeed{Speed: *aj.Speed}, nil
	case KindSelectSpace:
		if aj.Space == nil {
			return nil, fmt.Errorf("%s: missing space", aj.Type)
		}
		return SelectSpace{Space: *aj.Space}, nil
	case KindConfirmMove:
		return ConfirmMove{Steps: aj.Steps}, nil
	case KindRollDie:
		if aj.Die == nil {
			return nil, fmt.Errorf("%s: missing die", aj.Type)
		}
		return RollDie{Die: *aj.Die}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, aj.Type)
	}
}
