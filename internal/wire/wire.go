// Package wire holds the JSON envelopes spoken between nodes and the relay
// and between peers.
package wire

import (
	"encoding/json"
	"fmt"
)

// ---------- envelope ----------

// Envelope is the {type, payload} frame used on every channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Decode parses a frame. The payload is left raw for the dispatcher.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

// ---------- relay protocol ----------

// Client -> relay.
const (
	CreateRoom = "createRoom"
	JoinRoom   = "joinRoom"
	Signal     = "signal"
	StartGame  = "startGame"
)

// Relay -> client.
const (
	Connect        = "connect"
	RoomCreated    = "roomCreated"
	JoinedRoom     = "joinedRoom"
	NewPeer        = "newPeer"
	PlayerList     = "playerList"
	RoomList       = "roomList"
	GameStarted    = "gameStarted"
	PeerDisconnect = "peerDisconnect"
	NewHost        = "newHost"
	Error          = "error"
)

// PlayerInfo describes one room member.
type PlayerInfo struct {
	ID       string `json:"id"`
	IsPlayer bool   `json:"isPlayer"`
	Name     string `json:"name,omitempty"`
}

// RoomSummary is one entry in the periodic public room list.
type RoomSummary struct {
	Name        string `json:"name"`
	PlayerCount int    `json:"playerCount"`
}

type ConnectPayload struct {
	ID string `json:"id"`
}

type CreateRoomRequest struct {
	RoomName   string `json:"roomName"`
	IsPlayer   bool   `json:"isPlayer"`
	PlayerName string `json:"playerName,omitempty"`
}

type JoinRoomRequest struct {
	RoomName   string `json:"roomName"`
	PlayerName string `json:"playerName,omitempty"`
}

type StartGameRequest struct {
	RoomName string `json:"roomName"`
}

// SignalRequest is sent by a node; the relay forwards it as SignalRelay.
type SignalRequest struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type SignalRelay struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type RoomCreatedPayload struct {
	RoomName string                `json:"roomName"`
	Players  map[string]PlayerInfo `json:"players"`
}

type JoinedRoomPayload struct {
	RoomName string                `json:"roomName"`
	HostID   string                `json:"hostId"`
	Players  map[string]PlayerInfo `json:"players"`
}

// ---------- peer data channel ----------

const (
	ClientAction    = "clientAction"
	GameStateUpdate = "gameStateUpdate"
)
