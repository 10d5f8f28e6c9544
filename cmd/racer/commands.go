package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/statesync"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
)

var errUsage = errors.New(`commands: create <room> [spectator] | join <room> | start | speed <n> | space <i> <j> | confirm | roll <1|2> | status | quit`)

type command struct {
	name      string
	room      string
	spectator bool
	action    statesync.Action
}

// parseCommand reads one stdin line. Race intents come back as actions.
func parseCommand(line string) (command, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: strings.ToLower(f[0])}
	args := f[1:]

	switch cmd.name {
	case "create":
		if len(args) < 1 || len(args) > 2 {
			return command{}, errUsage
		}
		cmd.room = args[0]
		if len(args) == 2 {
			if args[1] != "spectator" {
				return command{}, errUsage
			}
			cmd.spectator = true
		}
	case "join":
		if len(args) != 1 {
			return command{}, errUsage
		}
		cmd.room = args[0]
	case "start", "confirm", "status", "quit", "help":
		if len(args) != 0 {
			return command{}, errUsage
		}
		if cmd.name == "confirm" {
			cmd.action = statesync.ConfirmMove{}
		}
	case "speed":
		n, err := ints(args, 1)
		if err != nil {
			return command{}, err
		}
		cmd.action = statesync.SelectSpeed{Speed: n[0]}
	case "space":
		n, err := ints(args, 2)
		if err != nil {
			return command{}, err
		}
		cmd.action = statesync.SelectSpace{Space: track.Coord{I: n[0], J: n[1]}}
	case "roll":
		n, err := ints(args, 1)
		if err != nil {
			return command{}, err
		}
		cmd.action = statesync.RollDie{Die: n[0]}
	default:
		return command{}, fmt.Errorf("unknown command %q: %w", cmd.name, errUsage)
	}
	return cmd, nil
}

func ints(args []string, want int) ([]int, error) {
	if len(args) != want {
		return nil, errUsage
	}
	out := make([]int, want)
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number: %w", a, errUsage)
		}
		out[i] = n
	}
	return out, nil
}
