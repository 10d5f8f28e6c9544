// Package peer is the point-to-point data link between two nodes. Links
// are negotiated through opaque signals relayed by the signaling server;
// only the side told about a newPeer initiates.
package peer

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotConnected is returned by Send before the link is up or after
	// it dropped. Callers treat it as a stale link and move on.
	ErrNotConnected = errors.New("peer link not connected")
	ErrClosed       = errors.New("peer link closed")
)

// Handler receives link events. Callbacks may run on any goroutine.
type Handler struct {
	// OnSignal hands a negotiation payload to the signaling channel.
	OnSignal  func(signal json.RawMessage)
	OnConnect func()
	OnData    func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

func (h Handler) signal(s json.RawMessage) {
	if h.OnSignal != nil {
		h.OnSignal(s)
	}
}

func (h Handler) connect() {
	if h.OnConnect != nil {
		h.OnConnect()
	}
}

func (h Handler) data(b []byte) {
	if h.OnData != nil {
		h.OnData(b)
	}
}

func (h Handler) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (h Handler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Link is one negotiated connection to a remote peer.
type Link interface {
	PeerID() string
	Initiator() bool
	Connected() bool
	// Send delivers one message, ordered. ErrNotConnected when not up.
	Send(data []byte) error
	// Signal feeds a payload received from the remote side via the relay.
	Signal(signal json.RawMessage) error
	Close() error
}

// Factory builds links. The initiator starts the offer immediately; the
// other side waits for Signal.
type Factory interface {
	NewLink(peerID string, initiator bool, h Handler) (Link, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(peerID string, initiator bool, h Handler) (Link, error)

func (f FactoryFunc) NewLink(peerID string, initiator bool, h Handler) (Link, error) {
	return f(peerID, initiator, h)
}
