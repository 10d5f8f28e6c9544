// Package relay is the signaling server: a room directory plus the
// websocket hub that carries its events to connected nodes.
package relay

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

// DefaultCapacity is the hard cap on room members.
const DefaultCapacity = 6

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrDuplicateRoom   = errors.New("duplicate room")
	ErrRoomFull        = errors.New("room full")
	ErrNotHost         = errors.New("not the room host")
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrAlreadySeated   = errors.New("already in a room")
)

// UserMessage is the text sent in an error event for errors the user
// should see. Other errors are only logged.
func UserMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrDuplicateRoom):
		return "Room with this name already exists.", true
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found.", true
	case errors.Is(err, ErrRoomFull):
		return "Room is full.", true
	case errors.Is(err, ErrInvalidRoomName):
		return "Room name is required.", true
	case errors.Is(err, ErrAlreadySeated):
		return "You are already in a room.", true
	}
	return "", false
}

// Delivery is one outbound relay event for one connection.
type Delivery struct {
	To      string
	Type    string
	Payload any
}

// RoomInfo is a copy of one room's public state.
type RoomInfo struct {
	Name    string
	HostID  string
	Players []wire.PlayerInfo
}

type room struct {
	name    string
	hostID  string
	order   []string // join order
	players map[string]wire.PlayerInfo
}

func (r *room) roster() []wire.PlayerInfo {
	out := make([]wire.PlayerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.players[id])
	}
	return out
}

func (r *room) playerMap() map[string]wire.PlayerInfo {
	m := make(map[string]wire.PlayerInfo, len(r.players))
	for id, p := range r.players {
		m[id] = p
	}
	return m
}

func (r *room) fanout(typ string, payload any, except string) []Delivery {
	out := make([]Delivery, 0, len(r.order))
	for _, id := range r.order {
		if id == except {
			continue
		}
		out = append(out, Delivery{To: id, Type: typ, Payload: payload})
	}
	return out
}

// Directory is the room table. It is not safe for concurrent use; the
// Server serialises access.
type Directory struct {
	capacity int
	rooms    map[string]*room
	memberOf map[string]string // connection id -> room name
}

func NewDirectory(capacity int) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Directory{
		capacity: capacity,
		rooms:    map[string]*room{},
		memberOf: map[string]string{},
	}
}

// CreateRoom makes from the host and sole member of a new room.
func (d *Directory) CreateRoom(from string, req wire.CreateRoomRequest) ([]Delivery, error) {
	name := strings.TrimSpace(req.RoomName)
	if name == "" {
		return nil, ErrInvalidRoomName
	}
	if _, ok := d.memberOf[from]; ok {
		return nil, ErrAlreadySeated
	}
	if _, ok := d.rooms[name]; ok {
		return nil, ErrDuplicateRoom
	}
	r := &room{
		name:    name,
		hostID:  from,
		order:   []string{from},
		players: map[string]wire.PlayerInfo{from: {ID: from, IsPlayer: req.IsPlayer, Name: req.PlayerName}},
	}
	d.rooms[name] = r
	d.memberOf[from] = name
	return []Delivery{{To: from, Type: wire.RoomCreated, Payload: wire.RoomCreatedPayload{RoomName: name, Players: r.playerMap()}}}, nil
}

// JoinRoom seats from as a player. Existing members are told newPeer so
// they initiate the links; the joiner gets the room snapshot.
func (d *Directory) JoinRoom(from string, req wire.JoinRoomRequest) ([]Delivery, error) {
	name := strings.TrimSpace(req.RoomName)
	r, ok := d.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, seated := d.memberOf[from]; seated {
		return nil, ErrAlreadySeated
	}
	if len(r.order) >= d.capacity {
		return nil, ErrRoomFull
	}

	out := r.fanout(wire.NewPeer, from, "")
	r.order = append(r.order, from)
	r.players[from] = wire.PlayerInfo{ID: from, IsPlayer: true, Name: req.PlayerName}
	d.memberOf[from] = name

	out = append(out, Delivery{To: from, Type: wire.JoinedRoom, Payload: wire.JoinedRoomPayload{
		RoomName: name, HostID: r.hostID, Players: r.playerMap(),
	}})
	out = append(out, r.fanout(wire.PlayerList, r.roster(), "")...)
	return out, nil
}

// RelaySignal forwards an opaque signal, stamped with the sender.
func (d *Directory) RelaySignal(from string, req wire.SignalRequest) []Delivery {
	if req.To == "" || req.To == from {
		return nil
	}
	return []Delivery{{To: req.To, Type: wire.Signal, Payload: wire.SignalRelay{From: from, Signal: cloneRaw(req.Signal)}}}
}

// StartGame broadcasts the roster in join order. Only the host may start.
func (d *Directory) StartGame(from string, req wire.StartGameRequest) ([]Delivery, error) {
	r, ok := d.rooms[strings.TrimSpace(req.RoomName)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.hostID != from {
		return nil, ErrNotHost
	}
	return r.fanout(wire.GameStarted, r.roster(), ""), nil
}

// Disconnect removes id from its room. A departing host is replaced by
// the earliest remaining member; an empty room is deleted.
func (d *Directory) Disconnect(id string) []Delivery {
	name, ok := d.memberOf[id]
	if !ok {
		return nil
	}
	delete(d.memberOf, id)
	r := d.rooms[name]
	delete(r.players, id)
	for i, m := range r.order {
		if m == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.order) == 0 {
		delete(d.rooms, name)
		return nil
	}

	var out []Delivery
	if r.hostID == id {
		r.hostID = r.order[0]
		out = append(out, r.fanout(wire.NewHost, r.hostID, "")...)
	}
	out = append(out, r.fanout(wire.PeerDisconnect, id, "")...)
	out = append(out, r.fanout(wire.PlayerList, r.roster(), "")...)
	return out
}

// RoomList is the public directory, sorted by name.
func (d *Directory) RoomList() []wire.RoomSummary {
	out := make([]wire.RoomSummary, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, wire.RoomSummary{Name: r.name, PlayerCount: len(r.order)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) Members(name string) []wire.PlayerInfo {
	r, ok := d.rooms[name]
	if !ok {
		return nil
	}
	return r.roster()
}

func (d *Directory) IsMember(id string) bool {
	_, ok := d.memberOf[id]
	return ok
}

func (d *Directory) Room(name string) (RoomInfo, bool) {
	r, ok := d.rooms[name]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{Name: r.name, HostID: r.hostID, Players: r.roster()}, true
}

func (d *Directory) Len() int { return len(d.rooms) }

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
