// Package memtransport is an in-process transport.Messaging used by tests and
// single-process demos.
package memtransport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petervdpas/hostline/internal/transport"
)

// Hub connects every Client created from it.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*Client
	channels map[string]map[string]*channel // name -> identity -> attachment
}

func NewHub() *Hub {
	return &Hub{
		clients:  map[string]*Client{},
		channels: map[string]map[string]*channel{},
	}
}

// Faults lets tests make individual operations fail.
type Faults struct {
	Join       error
	Leave      error
	Send       error
	SendToPeer error
	Members    error
}

type Client struct {
	hub      *Hub
	mu       sync.Mutex
	identity string
	faults   Faults
	peerCh   chan transport.Event
	stateCh  chan transport.ConnState
	// Members not reported by Members(), to simulate a stale membership view.
	hidden map[string]bool
}

func (h *Hub) NewClient() *Client {
	return &Client{
		hub:     h,
		peerCh:  make(chan transport.Event, 64),
		stateCh: make(chan transport.ConnState, 8),
		hidden:  map[string]bool{},
	}
}

func (c *Client) SetFaults(f Faults) {
	c.mu.Lock()
	c.faults = f
	c.mu.Unlock()
}

func (c *Client) fault(pick func(Faults) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pick(c.faults)
}

// HideMember drops id from this client's Members() results.
func (c *Client) HideMember(id string, hidden bool) {
	c.mu.Lock()
	c.hidden[id] = hidden
	c.mu.Unlock()
}

// EmitState injects a connection state change.
func (c *Client) EmitState(s transport.ConnState) {
	select {
	case c.stateCh <- s:
	default:
	}
}

func (c *Client) Login(_ context.Context, identity, _ string) error {
	if identity == "" {
		return fmt.Errorf("memtransport: empty identity")
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if other, ok := c.hub.clients[identity]; ok && other != c {
		return fmt.Errorf("memtransport: identity %q already logged in", identity)
	}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.hub.clients[identity] = c
	c.EmitState(transport.StateConnected)
	return nil
}

func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) PeerMessages() <-chan transport.Event      { return c.peerCh }
func (c *Client) ConnectionStates() <-chan transport.ConnState { return c.stateCh }

func (c *Client) SendToPeer(_ context.Context, peer string, payload []byte) error {
	if err := c.fault(func(f Faults) error { return f.SendToPeer }); err != nil {
		return err
	}
	from := c.Identity()
	if from == "" {
		return transport.ErrNotLoggedIn
	}
	c.hub.mu.Lock()
	dst, ok := c.hub.clients[peer]
	c.hub.mu.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}
	select {
	case dst.peerCh <- transport.Event{Kind: transport.EventMessage, From: from, Data: append([]byte(nil), payload...)}:
	default:
	}
	return nil
}

func (c *Client) Join(_ context.Context, name string) (transport.Channel, error) {
	if err := c.fault(func(f Faults) error { return f.Join }); err != nil {
		return nil, err
	}
	id := c.Identity()
	if id == "" {
		return nil, transport.ErrNotLoggedIn
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	members := c.hub.channels[name]
	if members == nil {
		members = map[string]*channel{}
		c.hub.channels[name] = members
	}
	if existing, ok := members[id]; ok {
		return existing, nil
	}
	ch := &channel{client: c, name: name, events: make(chan transport.Event, 128)}
	for _, other := range members {
		other.deliver(transport.Event{Kind: transport.EventMemberJoined, Channel: name, From: id})
	}
	members[id] = ch
	return ch, nil
}

// Disconnect removes the client from every channel without a clean leave,
// so other members see member_left.
func (c *Client) Disconnect() {
	id := c.Identity()
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for name, members := range c.hub.channels {
		if ch, ok := members[id]; ok {
			c.hub.detachLocked(name, id, ch)
		}
	}
	delete(c.hub.clients, id)
	c.EmitState(transport.StateDisconnected)
}

func (h *Hub) detachLocked(name, id string, ch *channel) {
	delete(h.channels[name], id)
	ch.close()
	for _, other := range h.channels[name] {
		other.deliver(transport.Event{Kind: transport.EventMemberLeft, Channel: name, From: id})
	}
}

type channel struct {
	client *Client
	name   string

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

func (ch *channel) Name() string                   { return ch.name }
func (ch *channel) Events() <-chan transport.Event { return ch.events }

func (ch *channel) deliver(evt transport.Event) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.events <- evt:
	default:
	}
}

func (ch *channel) close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.closed = true
		close(ch.events)
	}
}

func (ch *channel) Send(_ context.Context, payload []byte) error {
	if err := ch.client.fault(func(f Faults) error { return f.Send }); err != nil {
		return err
	}
	from := ch.client.Identity()
	h := ch.client.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[ch.name]
	if members[from] != ch {
		return transport.ErrClosed
	}
	for id, other := range members {
		if id == from {
			continue
		}
		other.deliver(transport.Event{
			Kind:    transport.EventMessage,
			Channel: ch.name,
			From:    from,
			Data:    append([]byte(nil), payload...),
		})
	}
	return nil
}

func (ch *channel) Members(_ context.Context) ([]string, error) {
	if err := ch.client.fault(func(f Faults) error { return f.Members }); err != nil {
		return nil, err
	}
	h := ch.client.hub
	h.mu.Lock()
	ids := make([]string, 0, len(h.channels[ch.name]))
	for id := range h.channels[ch.name] {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	ch.client.mu.Lock()
	out := ids[:0]
	for _, id := range ids {
		if !ch.client.hidden[id] {
			out = append(out, id)
		}
	}
	ch.client.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (ch *channel) Leave(_ context.Context) error {
	h := ch.client.hub
	id := ch.client.Identity()
	h.mu.Lock()
	if h.channels[ch.name][id] == ch {
		h.detachLocked(ch.name, id, ch)
	} else {
		ch.close()
	}
	h.mu.Unlock()
	return ch.client.fault(func(f Faults) error { return f.Leave })
}
