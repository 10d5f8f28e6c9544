package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "race"

type WebRTCConfig struct {
	ICEServers []string
}

// WebRTCFactory negotiates pion data channels with non-trickle ICE: each
// side gathers all candidates and then sends one complete SDP as its
// signal, so a negotiation is exactly one offer and one answer.
type WebRTCFactory struct {
	config webrtc.Configuration
}

func NewWebRTCFactory(cfg WebRTCConfig) *WebRTCFactory {
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	return &WebRTCFactory{config: webrtc.Configuration{ICEServers: servers}}
}

func (f *WebRTCFactory) NewLink(peerID string, initiator bool, h Handler) (Link, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &webrtcLink{id: peerID, initiator: initiator, h: h, pc: pc}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("component", "peer").Str("peer", peerID).Str("state", s.String()).Msg("connection state")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			l.dropped()
		}
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		l.attach(dc)
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := l.publishLocal(offer); err != nil {
			_ = pc.Close()
			return nil, err
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			l.attach(dc)
		})
	}
	return l, nil
}

type webrtcLink struct {
	id        string
	initiator bool
	h         Handler
	pc        *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	open   bool
	closed bool
}

func (l *webrtcLink) PeerID() string  { return l.id }
func (l *webrtcLink) Initiator() bool { return l.initiator }

func (l *webrtcLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open && !l.closed
}

func (l *webrtcLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.open = true
		l.mu.Unlock()
		log.Info().Str("component", "peer").Str("peer", l.id).Bool("initiator", l.initiator).Msg("link open")
		l.h.connect()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.h.data(msg.Data)
	})
	dc.OnClose(func() { l.dropped() })
	dc.OnError(func(err error) { l.h.error(err) })
}

// publishLocal sets the local description and, once ICE gathering is
// complete, emits the full SDP as a signal.
func (l *webrtcLink) publishLocal(sd webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	go func() {
		<-gathered
		desc := l.pc.LocalDescription()
		if desc == nil {
			return
		}
		b, err := json.Marshal(desc)
		if err != nil {
			l.h.error(err)
			return
		}
		l.h.signal(b)
	}()
	return nil
}

func (l *webrtcLink) Signal(signal json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(signal, &sd); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if sd.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return l.publishLocal(answer)
}

func (l *webrtcLink) Send(data []byte) error {
	l.mu.Lock()
	dc, ok := l.dc, l.open && !l.closed
	l.mu.Unlock()
	if !ok || dc == nil {
		return ErrNotConnected
	}
	return dc.Send(data)
}

func (l *webrtcLink) dropped() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.h.close()
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()
	if already {
		return nil
	}
	return l.pc.Close()
}
