// Package lobby keeps the presence store in line with the lobby channel:
// hosts publish their full status record, everyone applies what they hear,
// and a periodic pass repairs drift against the live membership list.
package lobby

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/transport"
)

var log = logging.Logger("lobby")

var ErrNotJoined = errors.New("lobby: not joined")

const DefaultReconcileInterval = 10 * time.Second

type Options struct {
	Channel           string
	Role              string
	ReconcileInterval time.Duration
	Clock             clock.Clock
}

// Notification is a contact event addressed to this participant.
type Notification struct {
	From   string       `json:"from"`
	Notice proto.Notice `json:"notice"`
}

type Client struct {
	msg   transport.Messaging
	store *presence.Store
	opts  Options
	clk   clock.Clock

	// selfMu serializes read-modify-write of the self record and its publish.
	selfMu sync.Mutex
	self   proto.HostStatus

	mu      sync.Mutex
	ch      transport.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
	notices chan Notification

	// Loop-owned reconciliation state.
	lastKnown map[string]proto.HostStatus
	suspects  map[string]bool
	queried   map[string]bool
	passes    atomic.Int64
}

func New(msg transport.Messaging, store *presence.Store, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.Channel == "" {
		opts.Channel = "lobby"
	}
	return &Client{
		msg:       msg,
		store:     store,
		opts:      opts,
		clk:       opts.Clock,
		notices:   make(chan Notification, 32),
		kick:      make(chan struct{}, 1),
		lastKnown: map[string]proto.HostStatus{},
		suspects:  map[string]bool{},
		queried:   map[string]bool{},
	}
}

func (c *Client) isHost() bool { return c.opts.Role == config.RoleHost }

// Notifications delivers contact events. Slow readers lose events.
func (c *Client) Notifications() <-chan Notification { return c.notices }

// Self returns the latest merged self record.
func (c *Client) Self() proto.HostStatus {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	return c.self
}

func (c *Client) channel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Join attaches to the lobby, asks hosts to re-announce and reconciles the
// store against the current membership. Joining twice is a no-op.
func (c *Client) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.ch != nil {
		c.mu.Unlock()
		return nil
	}
	ch, err := c.msg.Join(ctx, c.opts.Channel)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.ch = ch
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.selfMu.Lock()
	if c.self.HostID == "" {
		c.self = proto.HostStatus{
			HostID: c.msg.Identity(),
			Status: proto.StatusOnline,
			Active: c.isHost(),
		}
	}
	c.selfMu.Unlock()

	log.Infof("[%s] joined as %s", c.opts.Channel, c.opts.Role)

	c.send(ctx, ch, proto.LobbyMsg{Type: proto.TypeQuery})
	if c.isHost() {
		c.republish(ctx)
	}

	c.reconcile(ctx, ch, false)

	ticker := c.clk.Ticker(c.opts.ReconcileInterval)
	go c.loop(loopCtx, ch, ticker)
	return nil
}

// BroadcastSelfStatus merges delta onto the latest self record and publishes
// the full result. The merge happens even when the lobby is not joined.
func (c *Client) BroadcastSelfStatus(ctx context.Context, delta proto.StatusDelta) error {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	if c.self.HostID == "" {
		c.self.HostID = c.msg.Identity()
	}
	c.self = c.self.Merge(delta)
	ch := c.channel()
	if ch == nil {
		return ErrNotJoined
	}
	rec := c.self
	return c.sendErr(ctx, ch, proto.LobbyMsg{Type: proto.TypeStatus, Status: &rec})
}

// republish sends the current self record without changing it.
func (c *Client) republish(ctx context.Context) {
	if err := c.BroadcastSelfStatus(ctx, proto.StatusDelta{}); err != nil && !errors.Is(err, ErrNotJoined) {
		log.Warnf("[%s] republish: %v", c.opts.Channel, err)
	}
}

// Notify sends a contact event, directly when to is set, otherwise to the
// whole lobby.
func (c *Client) Notify(ctx context.Context, to string, n proto.Notice) error {
	n.To = to
	m := proto.LobbyMsg{Type: proto.TypeNotify, Notice: &n}
	if to != "" {
		return c.sendDirect(ctx, to, m)
	}
	ch := c.channel()
	if ch == nil {
		return ErrNotJoined
	}
	return c.sendErr(ctx, ch, m)
}

// Leave publishes a reset of the self record (hosts only), then detaches
// whether or not that publish worked.
func (c *Client) Leave(ctx context.Context) error {
	ch := c.channel()
	if ch == nil {
		return nil
	}
	if c.isHost() {
		if err := c.BroadcastSelfStatus(ctx, proto.ResetDelta()); err != nil {
			log.Warnf("[%s] reset broadcast failed: %v", c.opts.Channel, err)
		}
	}

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.ch, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	err := ch.Leave(ctx)
	cancel()
	<-done

	c.suspects = map[string]bool{}
	c.queried = map[string]bool{}
	log.Infof("[%s] left", c.opts.Channel)
	return err
}

func (c *Client) loop(ctx context.Context, ch transport.Channel, ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleChannelEvent(ctx, ch, evt)
		case evt := <-c.msg.PeerMessages():
			c.handleMessage(ctx, ch, evt.From, evt.Data, true)
		case st := <-c.msg.ConnectionStates():
			log.Infof("[%s] connection %s", c.opts.Channel, st)
			if st == transport.StateConnected {
				if c.isHost() {
					c.republish(ctx)
				}
				c.reconcile(ctx, ch, true)
			}
		case <-c.kick:
			c.reconcile(ctx, ch, true)
		case <-ticker.C:
			if c.isHost() && c.Self().Active {
				c.republish(ctx)
			}
			c.reconcile(ctx, ch, true)
		}
	}
}

// Reconcile schedules an immediate reconciliation pass.
func (c *Client) Reconcile() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) handleChannelEvent(ctx context.Context, ch transport.Channel, evt transport.Event) {
	switch evt.Kind {
	case transport.EventMessage:
		c.handleMessage(ctx, ch, evt.From, evt.Data, false)
	case transport.EventMemberJoined:
		delete(c.queried, evt.From)
		if c.isHost() {
			c.republish(ctx)
		}
	case transport.EventMemberLeft:
		delete(c.suspects, evt.From)
		delete(c.queried, evt.From)
		c.store.Remove(evt.From)
	}
}

func (c *Client) handleMessage(ctx context.Context, ch transport.Channel, from string, data []byte, direct bool) {
	m, err := proto.DecodeLobby(data)
	if err != nil {
		log.Debugf("[%s] drop message from %s: %v", c.opts.Channel, from, err)
		return
	}
	switch m.Type {
	case proto.TypeStatus:
		if m.Status == nil || m.Status.HostID != from {
			return
		}
		c.applyStatus(*m.Status)
	case proto.TypeQuery:
		if c.isHost() {
			c.republish(ctx)
		}
	case proto.TypeStatusQuery:
		if c.isHost() {
			self := c.Self()
			if err := c.sendDirect(ctx, from, proto.LobbyMsg{Type: proto.TypeStatus, Status: &self}); err != nil {
				log.Warnf("[%s] status reply to %s: %v", c.opts.Channel, from, err)
			}
		}
	case proto.TypeNotify:
		if m.Notice == nil {
			return
		}
		if m.Notice.To != "" && m.Notice.To != c.msg.Identity() {
			return
		}
		select {
		case c.notices <- Notification{From: from, Notice: *m.Notice}:
		default:
			log.Warnf("[%s] notification dropped from %s", c.opts.Channel, from)
		}
	}
}

func (c *Client) applyStatus(s proto.HostStatus) {
	if s.HostID == c.msg.Identity() {
		return
	}
	c.lastKnown[s.HostID] = s
	delete(c.suspects, s.HostID)
	c.store.Apply(presence.FromStatus(s))
}

// reconcile compares the store with live membership. With grace set, a
// disagreement must persist for two consecutive passes before it is corrected.
func (c *Client) reconcile(ctx context.Context, ch transport.Channel, grace bool) {
	members, err := ch.Members(ctx)
	if err != nil {
		log.Warnf("[%s] reconcile: membership query failed: %v", c.opts.Channel, err)
		return
	}
	self := c.msg.Identity()
	live := make(map[string]bool, len(members))
	for _, m := range members {
		if m != self {
			live[m] = true
		}
	}

	seen := map[string]bool{}

	// phantom-online: listed locally but not a member
	for _, rec := range c.store.Visible() {
		if live[rec.HostID] {
			continue
		}
		seen[rec.HostID] = true
		if grace && !c.suspects[rec.HostID] {
			c.suspects[rec.HostID] = true
			continue
		}
		log.Infof("[%s] reconcile: %s no longer a member, removing", c.opts.Channel, rec.HostID)
		delete(c.suspects, rec.HostID)
		c.store.Remove(rec.HostID)
	}

	// missed-online: a member with no local record
	for id := range live {
		if _, ok := c.store.Get(id); ok {
			continue
		}
		known, ok := c.lastKnown[id]
		if !ok || !presence.FromStatus(known).Visible() {
			if !c.queried[id] {
				c.queried[id] = true
				if err := c.sendDirect(ctx, id, proto.LobbyMsg{Type: proto.TypeStatusQuery}); err != nil {
					log.Debugf("[%s] status-query %s: %v", c.opts.Channel, id, err)
					delete(c.queried, id)
				}
			}
			continue
		}
		seen[id] = true
		if grace && !c.suspects[id] {
			c.suspects[id] = true
			continue
		}
		log.Infof("[%s] reconcile: restoring %s as %s", c.opts.Channel, id, presence.FromStatus(known).Availability)
		delete(c.suspects, id)
		c.store.Apply(presence.FromStatus(known))
	}

	for id := range c.suspects {
		if !seen[id] {
			delete(c.suspects, id)
		}
	}
	c.passes.Add(1)
}

func (c *Client) send(ctx context.Context, ch transport.Channel, m proto.LobbyMsg) {
	if err := c.sendErr(ctx, ch, m); err != nil {
		log.Warnf("[%s] send %s: %v", c.opts.Channel, m.Type, err)
	}
}

func (c *Client) sendErr(ctx context.Context, ch transport.Channel, m proto.LobbyMsg) error {
	m.From = c.msg.Identity()
	m.TS = c.clk.Now().UnixMilli()
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return ch.Send(ctx, b)
}

func (c *Client) sendDirect(ctx context.Context, to string, m proto.LobbyMsg) error {
	m.From = c.msg.Identity()
	m.TS = c.clk.Now().UnixMilli()
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.msg.SendToPeer(ctx, to, b)
}
