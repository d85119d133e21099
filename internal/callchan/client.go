// Package callchan is the per-call signaling channel: profile announcements,
// chat, call-control signals and media negotiation passthrough.
package callchan

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/transport"
	"github.com/petervdpas/hostline/internal/util"
)

var log = logging.Logger("callchan")

var (
	ErrNotJoined = errors.New("callchan: not joined")
	ErrLeft      = errors.New("callchan: channel left")
)

type EventType string

const (
	EventParticipant     EventType = "participant"
	EventParticipantLeft EventType = "participant-left"
	EventChat            EventType = "chat"
	EventJoined          EventType = "joined"
	EventHostEnded       EventType = "host-ended"
	EventBye             EventType = "bye"
)

type Event struct {
	Type    EventType          `json:"type"`
	Channel string             `json:"channel"`
	From    string             `json:"from"`
	Profile *proto.Profile     `json:"profile,omitempty"`
	Chat    *proto.ChatMessage `json:"chat,omitempty"`
}

// Session is a snapshot of the signaling state.
type Session struct {
	Channel      string          `json:"channel"`
	Role         string          `json:"role"`
	Joined       bool            `json:"joined"`
	HostEnded    bool            `json:"host_ended"`
	Participants []proto.Profile `json:"participants"`
}

type Options struct {
	DisplayName string
	Clock       clock.Clock
	// Chat messages are also pushed here when set.
	ChatMirror *util.RingBuffer[proto.ChatMessage]
}

type waiter struct {
	identity string
	role     string
	ch       chan proto.Profile
}

func (w *waiter) matches(p proto.Profile) bool {
	if w.identity != "" {
		return p.Identity == w.identity
	}
	return p.Role == w.role
}

type Client struct {
	msg  transport.Messaging
	opts Options
	clk  clock.Clock

	events chan Event

	mu           sync.Mutex
	ch           transport.Channel
	name         string
	role         string
	participants map[string]proto.Profile // by media id
	chat         []proto.ChatMessage
	hostEnded    bool
	waiters      map[*waiter]struct{}
	cancel       context.CancelFunc
	done         chan struct{}

	mediaMu   sync.Mutex
	mediaSubs map[chan proto.Signal]struct{}
}

func New(msg transport.Messaging, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		msg:          msg,
		opts:         opts,
		clk:          opts.Clock,
		events:       make(chan Event, 64),
		participants: map[string]proto.Profile{},
		waiters:      map[*waiter]struct{}{},
		mediaSubs:    map[chan proto.Signal]struct{}{},
	}
}

// Events delivers call-control and participant events. Slow readers lose events.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		log.Warnf("[%s] event %s dropped", evt.Channel, evt.Type)
	}
}

func (c *Client) Identity() string { return c.msg.Identity() }

// Join attaches to name as role. Joining the current channel again is a
// no-op; a different current channel is left first.
func (c *Client) Join(ctx context.Context, name, role string) error {
	c.mu.Lock()
	if c.ch != nil && c.name == name {
		c.mu.Unlock()
		return nil
	}
	prev := c.ch
	c.mu.Unlock()

	if prev != nil {
		if err := c.Leave(ctx); err != nil {
			log.Warnf("leaving previous channel: %v", err)
		}
	}

	ch, err := c.msg.Join(ctx, name)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ch = ch
	c.name = name
	c.role = role
	c.participants = map[string]proto.Profile{}
	c.chat = nil
	c.hostEnded = false
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(loopCtx, ch)
	log.Infof("[%s] joined as %s", name, role)

	if role == config.RoleObserver {
		return nil
	}
	return c.announce(ctx, ch)
}

func (c *Client) profile(role string) proto.Profile {
	id := c.msg.Identity()
	return proto.Profile{Identity: id, MediaID: id, Role: role, DisplayName: c.opts.DisplayName}
}

func (c *Client) announce(ctx context.Context, ch transport.Channel) error {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	p := c.profile(role)
	return c.send(ctx, ch, proto.Signal{Type: proto.SigProfile, Profile: &p})
}

// Leave sends a best-effort bye, detaches and clears all session state,
// whatever the transport reports.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	ch, name, role := c.ch, c.name, c.role
	cancel, done := c.cancel, c.done
	c.ch, c.name, c.role = nil, "", ""
	c.cancel, c.done = nil, nil
	c.participants = map[string]proto.Profile{}
	c.chat = nil
	c.hostEnded = false
	waiters := c.waiters
	c.waiters = map[*waiter]struct{}{}
	c.mu.Unlock()

	for w := range waiters {
		close(w.ch)
	}
	if ch == nil {
		return nil
	}

	if role != config.RoleObserver {
		if err := c.send(ctx, ch, proto.Signal{Type: proto.SigBye}); err != nil {
			log.Debugf("[%s] bye: %v", name, err)
		}
	}
	err := ch.Leave(ctx)
	cancel()
	<-done

	// The loop may have handled a last signal after the first reset.
	c.mu.Lock()
	if c.ch == nil {
		c.participants = map[string]proto.Profile{}
		c.chat = nil
		c.hostEnded = false
	}
	c.mu.Unlock()
	log.Infof("[%s] left", name)
	return err
}

func (c *Client) loop(ctx context.Context, ch transport.Channel) {
	defer close(c.done)
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handle(ctx, ch, evt)
		}
	}
}

func (c *Client) handle(ctx context.Context, ch transport.Channel, evt transport.Event) {
	switch evt.Kind {
	case transport.EventMemberJoined:
		if c.currentRole() != config.RoleObserver {
			if err := c.announce(ctx, ch); err != nil {
				log.Warnf("[%s] re-announce: %v", ch.Name(), err)
			}
		}
	case transport.EventMemberLeft:
		c.dropParticipant(ch.Name(), evt.From, EventParticipantLeft)
	case transport.EventMessage:
		sig, err := proto.DecodeSignal(evt.Data)
		if err != nil {
			log.Debugf("[%s] drop signal from %s: %v", ch.Name(), evt.From, err)
			return
		}
		sig.From = evt.From
		c.handleSignal(ctx, ch, sig)
	}
}

func (c *Client) currentRole() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) handleSignal(ctx context.Context, ch transport.Channel, sig proto.Signal) {
	name := ch.Name()
	switch {
	case sig.Type == proto.SigProfile:
		if sig.Profile == nil || sig.Profile.Identity != sig.From {
			return
		}
		p := *sig.Profile
		if p.MediaID == "" {
			p.MediaID = p.Identity
		}
		c.mu.Lock()
		_, known := c.participants[p.MediaID]
		c.participants[p.MediaID] = p
		var ready []*waiter
		for w := range c.waiters {
			if w.matches(p) {
				ready = append(ready, w)
				delete(c.waiters, w)
			}
		}
		role := c.role
		c.mu.Unlock()

		for _, w := range ready {
			w.ch <- p
			close(w.ch)
		}
		c.emit(Event{Type: EventParticipant, Channel: name, From: sig.From, Profile: &p})
		// Answer a first announcement so the sender learns us even if our
		// own announcement went out before it joined.
		if !known && role != config.RoleObserver {
			if err := c.announce(ctx, ch); err != nil {
				log.Debugf("[%s] answer profile: %v", name, err)
			}
		}

	case sig.Type == proto.SigChat:
		if sig.Chat == nil {
			return
		}
		m := *sig.Chat
		m.From = sig.From
		c.appendChat(m)
		c.emit(Event{Type: EventChat, Channel: name, From: sig.From, Chat: &m})

	case sig.Type == proto.SigJoined:
		c.emit(Event{Type: EventJoined, Channel: name, From: sig.From})

	case sig.Type == proto.SigHostEnded:
		c.mu.Lock()
		c.hostEnded = true
		c.mu.Unlock()
		c.emit(Event{Type: EventHostEnded, Channel: name, From: sig.From})

	case sig.Type == proto.SigBye:
		c.dropParticipant(name, sig.From, EventBye)

	case proto.IsMediaSignal(sig.Type):
		if sig.To != "" && sig.To != c.msg.Identity() {
			return
		}
		c.mediaMu.Lock()
		for sub := range c.mediaSubs {
			select {
			case sub <- sig:
			default:
				log.Warnf("[%s] media signal %s dropped", name, sig.Type)
			}
		}
		c.mediaMu.Unlock()
	}
}

func (c *Client) dropParticipant(channel, identity string, typ EventType) {
	c.mu.Lock()
	for id, p := range c.participants {
		if p.Identity == identity {
			delete(c.participants, id)
		}
	}
	c.mu.Unlock()
	c.emit(Event{Type: typ, Channel: channel, From: identity})
}

func (c *Client) appendChat(m proto.ChatMessage) {
	c.mu.Lock()
	c.chat = append(c.chat, m)
	c.mu.Unlock()
	if c.opts.ChatMirror != nil {
		c.opts.ChatMirror.Push(m)
	}
}

// WaitForProfile blocks until identity has announced itself on the current
// channel. It has no timeout of its own.
func (c *Client) WaitForProfile(ctx context.Context, identity string) (proto.Profile, error) {
	return c.wait(ctx, &waiter{identity: identity})
}

// WaitForRole blocks until any participant with role has announced itself.
func (c *Client) WaitForRole(ctx context.Context, role string) (proto.Profile, error) {
	return c.wait(ctx, &waiter{role: role})
}

func (c *Client) wait(ctx context.Context, w *waiter) (proto.Profile, error) {
	c.mu.Lock()
	if c.ch == nil {
		c.mu.Unlock()
		return proto.Profile{}, ErrNotJoined
	}
	for _, p := range c.participants {
		if w.matches(p) {
			c.mu.Unlock()
			return p, nil
		}
	}
	w.ch = make(chan proto.Profile, 1)
	c.waiters[w] = struct{}{}
	c.mu.Unlock()

	select {
	case p, ok := <-w.ch:
		if !ok {
			return proto.Profile{}, ErrLeft
		}
		return p, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, w)
		c.mu.Unlock()
		return proto.Profile{}, ctx.Err()
	}
}

func (c *Client) current() (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil, ErrNotJoined
	}
	return c.ch, nil
}

func (c *Client) SendChat(ctx context.Context, text string) (proto.ChatMessage, error) {
	ch, err := c.current()
	if err != nil {
		return proto.ChatMessage{}, err
	}
	m := proto.ChatMessage{From: c.msg.Identity(), Text: text, TS: c.clk.Now().UnixMilli()}
	if err := c.send(ctx, ch, proto.Signal{Type: proto.SigChat, Chat: &m}); err != nil {
		return proto.ChatMessage{}, err
	}
	c.appendChat(m)
	return m, nil
}

func (c *Client) SendJoined(ctx context.Context) error    { return c.sendType(ctx, proto.SigJoined) }
func (c *Client) SendHostEnded(ctx context.Context) error { return c.sendType(ctx, proto.SigHostEnded) }

func (c *Client) sendType(ctx context.Context, typ string) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	return c.send(ctx, ch, proto.Signal{Type: typ})
}

// SendSignal sends a media negotiation signal on the current channel.
func (c *Client) SendSignal(ctx context.Context, sig proto.Signal) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	return c.send(ctx, ch, sig)
}

// MediaSignals subscribes to media negotiation signals addressed to us.
func (c *Client) MediaSignals() (<-chan proto.Signal, func()) {
	ch := make(chan proto.Signal, 64)
	c.mediaMu.Lock()
	c.mediaSubs[ch] = struct{}{}
	c.mediaMu.Unlock()
	return ch, func() {
		c.mediaMu.Lock()
		if _, ok := c.mediaSubs[ch]; ok {
			delete(c.mediaSubs, ch)
			close(ch)
		}
		c.mediaMu.Unlock()
	}
}

func (c *Client) send(ctx context.Context, ch transport.Channel, sig proto.Signal) error {
	sig.From = c.msg.Identity()
	sig.TS = c.clk.Now().UnixMilli()
	b, err := proto.Encode(sig)
	if err != nil {
		return err
	}
	return ch.Send(ctx, b)
}

func (c *Client) ChatLog() []proto.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.ChatMessage, len(c.chat))
	copy(out, c.chat)
	return out
}

// RoleOf returns the announced role for a media id.
func (c *Client) RoleOf(mediaID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[mediaID]
	return p.Role, ok
}

func (c *Client) HostEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostEnded
}

func (c *Client) State() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Session{
		Channel:   c.name,
		Role:      c.role,
		Joined:    c.ch != nil,
		HostEnded: c.hostEnded,
	}
	for _, p := range c.participants {
		s.Participants = append(s.Participants, p)
	}
	sort.Slice(s.Participants, func(i, j int) bool { return s.Participants[i].MediaID < s.Participants[j].MediaID })
	return s
}
