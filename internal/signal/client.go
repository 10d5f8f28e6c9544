// Package signal is the node side of the relay connection: a websocket
// that emits relay events and carries room and signaling requests.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

var ErrClosed = errors.New("signaling channel closed")

// Channel is what the session needs to talk to the relay.
type Channel interface {
	Send(typ string, payload any) error
}

const pingInterval = 15 * time.Second

type Client struct {
	conn   *websocket.Conn
	events chan wire.Envelope
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan wire.Envelope, 64),
		send:   make(chan []byte, 64),
		ctx:    cctx,
		cancel: cancel,
	}
	c.wg.Add(2)
	go c.reader()
	go c.writer()
	log.Info().Str("component", "signal").Str("url", url).Msg("relay connected")
	return c, nil
}

// Events yields relay messages in arrival order and is closed when the
// connection ends.
func (c *Client) Events() <-chan wire.Envelope { return c.events }

// Err is the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.cancel()
}

func (c *Client) reader() {
	defer c.wg.Done()
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			log.Warn().Str("component", "signal").Err(err).Msg("malformed relay message")
			continue
		}
		select {
		case c.events <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writer() {
	defer c.wg.Done()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, msg); err != nil {
				c.fail(err)
				return
			}
		case <-ping.C:
			if err := c.conn.Ping(c.ctx); err != nil {
				c.fail(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues one {type, payload} frame.
func (c *Client) Send(typ string, payload any) error {
	b, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) CreateRoom(name string, isPlayer bool, playerName string) error {
	return c.Send(wire.CreateRoom, wire.CreateRoomRequest{RoomName: name, IsPlayer: isPlayer, PlayerName: playerName})
}

func (c *Client) JoinRoom(name, playerName string) error {
	return c.Send(wire.JoinRoom, wire.JoinRoomRequest{RoomName: name, PlayerName: playerName})
}

func (c *Client) Signal(to string, signal json.RawMessage) error {
	return c.Send(wire.Signal, wire.SignalRequest{To: to, Signal: signal})
}

func (c *Client) StartGame(room string) error {
	return c.Send(wire.StartGame, wire.StartGameRequest{RoomName: room})
}

func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.fail(ErrClosed)
	c.wg.Wait()
	return err
}
