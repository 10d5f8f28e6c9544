package peer

import (
	"encoding/json"
	"sync"
)

// MemoryNetwork connects links in-process. Negotiation still goes through
// OnSignal/Signal, so the initiator/non-initiator asymmetry is exercised
// exactly as over WebRTC.
type MemoryNetwork struct {
	mu    sync.Mutex
	links map[[2]string]*memLink
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{links: map[[2]string]*memLink{}}
}

// Factory returns the link factory for node localID.
func (n *MemoryNetwork) Factory(localID string) Factory {
	return FactoryFunc(func(peerID string, initiator bool, h Handler) (Link, error) {
		return n.newLink(localID, peerID, initiator, h), nil
	})
}

var (
	memOffer  = json.RawMessage(`{"type":"offer"}`)
	memAnswer = json.RawMessage(`{"type":"answer"}`)
)

func (n *MemoryNetwork) newLink(local, remote string, initiator bool, h Handler) *memLink {
	l := &memLink{net: n, local: local, remote: remote, initiator: initiator, h: h}
	n.mu.Lock()
	n.links[[2]string{local, remote}] = l
	n.mu.Unlock()
	if initiator {
		h.signal(memOffer)
	}
	return l
}

func (n *MemoryNetwork) counterpart(l *memLink) *memLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	o := n.links[[2]string{l.remote, l.local}]
	if o == nil || o.isClosed() {
		return nil
	}
	return o
}

// Pipe returns two links already connected to each other.
func Pipe(aID, bID string, ha, hb Handler) (Link, Link) {
	n := NewMemoryNetwork()
	a := &memLink{net: n, local: aID, remote: bID, initiator: true, h: ha}
	b := &memLink{net: n, local: bID, remote: aID, h: hb}
	n.links[[2]string{aID, bID}] = a
	n.links[[2]string{bID, aID}] = b
	a.up()
	b.up()
	return a, b
}

type memLink struct {
	net           *MemoryNetwork
	local, remote string
	initiator     bool
	h             Handler

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (l *memLink) PeerID() string  { return l.remote }
func (l *memLink) Initiator() bool { return l.initiator }

func (l *memLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

func (l *memLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *memLink) up() {
	l.mu.Lock()
	if l.connected || l.closed {
		l.mu.Unlock()
		return
	}
	l.connected = true
	l.mu.Unlock()
	l.h.connect()
}

// Signal completes the negotiation: the answering side replies and both
// ends come up.
func (l *memLink) Signal(signal json.RawMessage) error {
	if l.isClosed() {
		return ErrClosed
	}
	var sd struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(signal, &sd); err != nil {
		return err
	}
	if sd.Type != "offer" {
		return nil
	}
	l.h.signal(memAnswer)
	if o := l.net.counterpart(l); o != nil {
		l.up()
		o.up()
	}
	return nil
}

func (l *memLink) Send(data []byte) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	o := l.net.counterpart(l)
	if o == nil {
		return ErrNotConnected
	}
	o.h.data(append([]byte(nil), data...))
	return nil
}

func (l *memLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	if o := l.net.counterpart(l); o != nil {
		o.drop()
	}
	return nil
}

func (l *memLink) drop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.h.close()
}
