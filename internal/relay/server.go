package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"nhooyr.io/websocket"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

const (
	pingInterval = 15 * time.Second
	sendBuffer   = 64

	DefaultRoomListInterval = 2 * time.Second
)

var errUnknownType = errors.New("unknown message type")

type Options struct {
	AllowOrigins     []string
	RoomListInterval time.Duration
	Clock            clock.Clock
	// Registry receives the relay metrics; nil creates a private one.
	Registry *prometheus.Registry
}

// ---------- metrics ----------

type metrics struct {
	rooms       prometheus.Gauge
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms", Help: "Open rooms.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections", Help: "Connected websocket clients.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total", Help: "Inbound relay messages by type.",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total", Help: "Rejected or dropped relay messages by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.rooms, m.connections, m.messages, m.errors)
	return m
}

// ---------- server ----------

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// Server carries Directory events over websockets. Every inbound event
// is applied under one lock, so the directory sees them one at a time.
type Server struct {
	allowOrigins map[string]bool
	interval     time.Duration
	clock        clock.Clock
	registry     *prometheus.Registry
	metrics      *metrics

	mu    sync.Mutex
	dir   *Directory
	conns map[string]*conn
}

func NewServer(dir *Directory, opts Options) *Server {
	allow := map[string]bool{}
	for _, a := range opts.AllowOrigins {
		if a != "" {
			allow[a] = true
		}
	}
	if dir == nil {
		dir = NewDirectory(DefaultCapacity)
	}
	if opts.RoomListInterval <= 0 {
		opts.RoomListInterval = DefaultRoomListInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return &Server{
		allowOrigins: allow,
		interval:     opts.RoomListInterval,
		clock:        opts.Clock,
		registry:     opts.Registry,
		metrics:      newMetrics(opts.Registry),
		dir:          dir,
		conns:        map[string]*conn{},
	}
}

func (s *Server) Registry() *prometheus.Registry { return s.registry }

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeWS upgrades one client and serves it until the socket closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !s.allowOrigins[origin] {
		s.metrics.errors.WithLabelValues("forbidden_origin").Inc()
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn().Str("component", "relay").Err(err).Msg("websocket accept")
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, sendBuffer)}
	s.register(c)

	go s.writer(r.Context(), c)
	s.reader(r.Context(), c)
	s.unregister(c)
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	s.metrics.connections.Set(float64(len(s.conns)))
	log.Info().Str("component", "relay").Str("peer", c.id).Msg("client connected")
	s.deliverLocked([]Delivery{{To: c.id, Type: wire.Connect, Payload: wire.ConnectPayload{ID: c.id}}})
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
	close(c.send)
	out := s.dir.Disconnect(c.id)
	s.metrics.connections.Set(float64(len(s.conns)))
	s.metrics.rooms.Set(float64(s.dir.Len()))
	log.Info().Str("component", "relay").Str("peer", c.id).Msg("client disconnected")
	s.deliverLocked(out)
}

func (s *Server) writer(ctx context.Context, c *conn) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.Ping(ctx)
		}
	}
}

func (s *Server) reader(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

// handle applies one inbound frame. Malformed frames are dropped.
func (s *Server) handle(c *conn, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		s.metrics.errors.WithLabelValues("malformed").Inc()
		log.Warn().Str("component", "relay").Str("peer", c.id).Err(err).Msg("malformed message")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Delivery
	switch env.Type {
	case wire.CreateRoom:
		var req wire.CreateRoomRequest
		if err = env.Unmarshal(&req); err == nil {
			out, err = s.dir.CreateRoom(c.id, req)
			if err == nil {
				log.Info().Str("component", "relay").Str("room", req.RoomName).Str("host", c.id).Msg("room created")
			}
		}

	case wire.JoinRoom:
		var req wire.JoinRoomRequest
		if err = env.Unmarshal(&req); err == nil {
			out, err = s.dir.JoinRoom(c.id, req)
			if err == nil {
				log.Info().Str("component", "relay").Str("room", req.RoomName).Str("peer", c.id).Msg("joined room")
			}
		}

	case wire.Signal:
		var req wire.SignalRequest
		if err = env.Unmarshal(&req); err == nil {
			out = s.dir.RelaySignal(c.id, req)
		}

	case wire.StartGame:
		var req wire.StartGameRequest
		if err = env.Unmarshal(&req); err == nil {
			out, err = s.dir.StartGame(c.id, req)
			if err == nil {
				log.Info().Str("component", "relay").Str("room", req.RoomName).Msg("game started")
			}
		}

	default:
		err = fmt.Errorf("%w %q", errUnknownType, env.Type)
	}

	label := env.Type
	if errors.Is(err, errUnknownType) {
		label = "unknown"
	}
	s.metrics.messages.WithLabelValues(label).Inc()
	s.metrics.rooms.Set(float64(s.dir.Len()))

	if err != nil {
		s.rejectLocked(c, env.Type, err)
		return
	}
	s.deliverLocked(out)
}

func (s *Server) rejectLocked(c *conn, typ string, err error) {
	s.metrics.errors.WithLabelValues(errorKind(err)).Inc()
	log.Warn().Str("component", "relay").Str("peer", c.id).Str("type", typ).Err(err).Msg("request rejected")
	if msg, ok := UserMessage(err); ok {
		s.deliverLocked([]Delivery{{To: c.id, Type: wire.Error, Payload: msg}})
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRoom):
		return "duplicate_room"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	case errors.Is(err, ErrInvalidRoomName):
		return "invalid_room_name"
	case errors.Is(err, ErrAlreadySeated):
		return "already_seated"
	case errors.Is(err, errUnknownType):
		return "unknown_type"
	}
	return "malformed"
}

// deliverLocked queues each delivery without blocking. Unknown targets
// and full buffers drop the message.
func (s *Server) deliverLocked(out []Delivery) {
	for _, d := range out {
		b, err := wire.Encode(d.Type, d.Payload)
		if err != nil {
			log.Error().Str("component", "relay").Str("type", d.Type).Err(err).Msg("encode delivery")
			continue
		}
		c, ok := s.conns[d.To]
		if !ok {
			log.Debug().Str("component", "relay").Str("peer", d.To).Str("type", d.Type).Msg("no such connection, dropped")
			continue
		}
		s.queue(c, b)
	}
}

func (s *Server) queue(c *conn, b []byte) {
	select {
	case c.send <- b:
	default:
		s.metrics.errors.WithLabelValues("send_buffer_full").Inc()
		log.Warn().Str("component", "relay").Str("peer", c.id).Msg("send buffer full, dropped")
	}
}

// ---------- room list ----------

// Run broadcasts the room list to every client not seated in a room,
// once per interval, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	t := s.clock.Ticker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.broadcastRoomList()
		}
	}
}

func (s *Server) broadcastRoomList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := wire.Encode(wire.RoomList, s.dir.RoomList())
	if err != nil {
		log.Error().Str("component", "relay").Err(err).Msg("encode room list")
		return
	}
	for id, c := range s.conns {
		if s.dir.IsMember(id) {
			continue
		}
		s.queue(c, b)
	}
}

// Close closes every client socket.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.ws.Close(websocket.StatusGoingAway, "relay shutting down"))
	}
	return err
}
