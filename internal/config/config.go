// Package config reads process settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Lookup resolves one variable. os.LookupEnv in production.
type Lookup func(key string) (string, bool)

type Logging struct {
	Level  string
	Format string // console or json
}

type Relay struct {
	Port             string
	AllowOrigins     []string
	RoomListInterval time.Duration
	Logging
}

type Racer struct {
	RelayURL     string
	ICEServers   []string
	TrackFile    string
	Laps         int
	StartupDelay time.Duration
	DisplayDelay time.Duration
	// DataDir holds the snapshot store; empty keeps it in memory.
	DataDir string
	// StoreKeep is how many snapshots per room survive a prune.
	StoreKeep  int
	PlayerName string
	Logging
}

// LoadDotEnv loads .env files into the process environment. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

type reader struct {
	lookup Lookup
	errs   []error
}

func (r *reader) str(key, def string) string {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		log.Debug().Str("component", "config").Str("key", key).Str("default", def).Msg("environment variable not set, using default")
		return def
	}
	return v
}

func (r *reader) list(key, def string) []string {
	var out []string
	for _, s := range strings.Split(r.str(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, def.String())
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: bad duration %q", key, v))
		return def
	}
	return d
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, strconv.Itoa(def))
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: bad positive integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) logging() Logging {
	return Logging{Level: r.str("LOG_LEVEL", "info"), Format: r.str("LOG_FORMAT", "console")}
}

func (r *reader) err() error { return errors.Join(r.errs...) }

func LoadRelay(lookup Lookup) (Relay, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := &reader{lookup: lookup}
	port := r.str("PORT", "8080")
	cfg := Relay{
		Port:             port,
		AllowOrigins:     r.list("ORIGIN_ALLOWLIST", "http://localhost:"+port+",http://127.0.0.1:"+port),
		RoomListInterval: r.duration("ROOM_LIST_INTERVAL", 2*time.Second),
		Logging:          r.logging(),
	}
	return cfg, r.err()
}

func LoadRacer(lookup Lookup) (Racer, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := &reader{lookup: lookup}
	cfg := Racer{
		RelayURL:     r.str("RELAY_URL", "ws://localhost:8080/ws"),
		ICEServers:   r.list("ICE_SERVERS", "stun:stun.l.google.com:19302"),
		TrackFile:    r.str("TRACK_FILE", "tracks/oval.lua"),
		Laps:         r.int("LAPS", 2),
		StartupDelay: r.duration("STARTUP_DELAY", 2*time.Second),
		DisplayDelay: r.duration("DISPLAY_DELAY", 1500*time.Millisecond),
		DataDir:      r.str("DATA_DIR", ""),
		StoreKeep:    r.int("STORE_KEEP", 50),
		PlayerName:   r.str("PLAYER_NAME", ""),
		Logging:      r.logging(),
	}
	return cfg, r.err()
}

// SetupLogging configures the global zerolog logger writing to w.
func SetupLogging(l Logging, w io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", l.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	switch l.Format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "console", "":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("log format %q: want console or json", l.Format)
	}
	return nil
}
