package statesync

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/game"
	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/wire"
)

// HostSender delivers a message to the current host.
type HostSender interface {
	SendToHost(typ string, payload any) error
}

// Client is the non-host side: intents go out, snapshots come in.
type Client struct {
	host    HostSender
	replica *Replica
	store   Store
	room    string
}

func NewClient(host HostSender, replica *Replica, store Store, room string) *Client {
	if replica == nil {
		replica = NewReplica()
	}
	return &Client{host: host, replica: replica, store: store, room: room}
}

func (c *Client) Replica() *Replica { return c.replica }

// Do sends an intent and parks the local view in waiting until the host's
// resulting snapshot arrives.
func (c *Client) Do(a Action) error {
	p, err := EncodeAction(a)
	if err != nil {
		return err
	}
	prev := c.replica.State.Phase
	c.replica.State.Phase = game.PhaseWaiting
	if err := c.host.SendToHost(wire.ClientAction, p); err != nil {
		c.replica.State.Phase = prev
		return err
	}
	return nil
}

// HandleUpdate applies a gameStateUpdate payload.
func (c *Client) HandleUpdate(payload json.RawMessage) error {
	s, err := DecodeSnapshot(payload)
	if err != nil {
		log.Warn().Str("component", "statesync").Err(err).Msg("malformed snapshot")
		return err
	}
	if !c.replica.Apply(s) {
		log.Debug().Str("component", "statesync").Uint64("revision", s.Revision).Msg("stale snapshot ignored")
		return nil
	}
	if c.store != nil {
		if err := c.store.Save(c.room, s); err != nil {
			log.Error().Str("component", "statesync").Err(err).Msg("persist snapshot")
		}
	}
	return nil
}
