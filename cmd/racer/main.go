package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/config"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/peer"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/session"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/signal"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/statesync"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/store"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/track"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.LoadRacer(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("bad racer configuration")
	}
	if err := config.SetupLogging(cfg.Logging, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("bad logging configuration")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("racer stopped")
	}
}

type racer struct {
	cfg  config.Racer
	out  io.Writer
	quit context.CancelFunc

	mgr   *session.Manager
	node  *statesync.Node
	rooms []wire.RoomSummary
}

func run(ctx context.Context, cfg config.Racer, in io.Reader, out io.Writer) error {
	td, err := track.Load(cfg.TrackFile)
	if err != nil {
		return err
	}
	st, err := store.OpenBadger(cfg.DataDir)
	if err != nil {
		return err
	}
	st.Keep = cfg.StoreKeep
	defer st.Close()

	ch, err := signal.Dial(ctx, cfg.RelayURL)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rules := game.DefaultRules()
	rules.DisplayDelay = cfg.DisplayDelay
	rules.SpinOffDelay = cfg.DisplayDelay

	r := &racer{cfg: cfg, out: out, quit: cancel}
	loop := session.NewLoop(nil)
	r.mgr = session.NewManager(session.Config{
		Signal: ch,
		Links:  peer.NewWebRTCFactory(peer.WebRTCConfig{ICEServers: cfg.ICEServers}),
		Loop:   loop,
		Hooks:  r.hooks(),
	})
	defer r.mgr.Close()

	r.node = statesync.NewNode(statesync.NodeConfig{
		Track:        td,
		Rules:        rules,
		Dice:         game.RandomRoller(),
		Laps:         cfg.Laps,
		StartupDelay: cfg.StartupDelay,
		Sched:        loop,
		Peers:        r.mgr,
		Store:        st,
	})
	defer r.node.Close()
	r.node.Replica().OnApply = r.printState

	r.mgr.Handle(wire.ClientAction, func(from string, p json.RawMessage) {
		if err := r.node.HandleClientAction(from, p); err != nil {
			log.Debug().Str("component", "racer").Str("peer", from).Err(err).Msg("client action rejected")
		}
	})
	r.mgr.Handle(wire.GameStateUpdate, func(from string, p json.RawMessage) {
		if err := r.node.HandleStateUpdate(from, p); err != nil {
			log.Warn().Str("component", "racer").Str("peer", from).Err(err).Msg("bad state update")
		}
	})

	lines := make(chan string)
	go scanLines(in, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case env, ok := <-ch.Events():
				if !ok {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("relay connection lost: %w", ch.Err())
				}
				loop.Post(func() { r.mgr.HandleSignal(env) })
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				loop.Post(func() { r.exec(line) })
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines <- line
		}
	}
}

func (r *racer) hooks() session.Hooks {
	return session.Hooks{
		OnConnect: func(id string) {
			r.printf("connected as %s\n", id)
		},
		OnJoined: func(room string, isHost bool) {
			r.node.SetIdentity(r.mgr.LocalID(), room)
			if isHost {
				r.node.BecomeHost()
			}
			r.printf("in room %s (host: %v)\n", room, isHost)
		},
		OnGameStarted: func(players []wire.PlayerInfo) {
			if !r.node.IsHost() {
				return
			}
			if err := r.node.StartRace(players); err != nil {
				r.printf("cannot start race: %v\n", err)
			}
		},
		OnHostChanged: func(hostID, previous string, local bool) {
			if local {
				r.node.Promote(previous)
				r.printf("now hosting the race\n")
			}
		},
		OnPeerLeft: func(id string) {
			r.node.PeerLeft(id)
			r.printf("%s left\n", id)
		},
		OnPlayerList: func(players []wire.PlayerInfo) {
			r.printf("players: %s\n", playerNames(players))
		},
		OnRoomList: func(rooms []wire.RoomSummary) {
			if sameRooms(r.rooms, rooms) {
				return
			}
			r.rooms = rooms
			for _, rm := range rooms {
				r.printf("room %s: %d/6\n", rm.Name, rm.PlayerCount)
			}
		},
		OnError: func(msg string) {
			r.printf("relay: %s\n", msg)
		},
	}
}

func (r *racer) exec(line string) {
	cmd, err := parseCommand(line)
	if err != nil {
		r.printf("%v\n", err)
		return
	}
	switch cmd.name {
	case "create":
		err = r.mgr.CreateRoom(cmd.room, !cmd.spectator, r.cfg.PlayerName)
	case "join":
		err = r.mgr.JoinRoom(cmd.room, r.cfg.PlayerName)
	case "start":
		err = r.mgr.StartGame()
	case "status":
		r.printState(r.node.Replica().State)
	case "quit":
		r.quit()
	case "help":
		r.printf("%v\n", errUsage)
	default:
		err = r.node.Do(cmd.action)
	}
	if err != nil && !errors.Is(err, session.ErrNoHostLink) {
		r.printf("%s: %v\n", cmd.name, err)
	}
}

func (r *racer) printState(st *game.RaceState) {
	if st == nil {
		return
	}
	p := st.Active()
	if p == nil {
		r.printf("race %s\n", st.Phase)
		return
	}
	r.printf("[%s] %s at %s speed %d tyres %d brakes %d laps %d\n",
		st.Phase, nameOf(p), p.CurrentPosition, p.CurrentSpeed, p.TyreWear, p.BrakeWear, p.LapsRemaining)
	if len(st.AvailableSpaces) > 0 {
		r.printf("  spaces: %v (%d/%d chosen)\n", st.AvailableSpaces, len(st.StepSpaces), st.RequiredSteps)
	}
	if st.Message != "" {
		r.printf("  %s\n", st.Message)
	}
	if st.Phase == game.PhaseFinished {
		for pos, seat := range st.Finishers {
			r.printf("  P%d %s\n", pos+1, nameOf(st.Players[seat]))
		}
	}
}

func (r *racer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func nameOf(p *game.PlayerState) string {
	if p.Name != "" {
		return p.Name
	}
	return p.PeerID
}

func playerNames(players []wire.PlayerInfo) string {
	names := make([]string, 0, len(players))
	for _, p := range players {
		n := p.Name
		if n == "" {
			n = p.ID
		}
		if !p.IsPlayer {
			n += " (spectating)"
		}
		names = append(names, n)
	}
	return strings.Join(names, ", ")
}

func sameRooms(a, b []wire.RoomSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
