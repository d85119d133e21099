package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/hostline/internal/transport"
)

type topicChannel struct {
	node  *Node
	name  string
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	evh   *pubsub.TopicEventHandler

	events chan transport.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newTopicChannel(n *Node, name string, topic *pubsub.Topic, sub *pubsub.Subscription, evh *pubsub.TopicEventHandler) *topicChannel {
	ctx, cancel := context.WithCancel(n.ctx)
	ch := &topicChannel{
		node:   n,
		name:   name,
		topic:  topic,
		sub:    sub,
		evh:    evh,
		events: make(chan transport.Event, 128),
		cancel: cancel,
	}
	ch.wg.Add(2)
	go ch.readMessages(ctx)
	go ch.readPeerEvents(ctx)
	go func() {
		ch.wg.Wait()
		close(ch.events)
	}()
	return ch
}

func (c *topicChannel) Name() string                   { return c.name }
func (c *topicChannel) Events() <-chan transport.Event { return c.events }

func (c *topicChannel) deliver(ctx context.Context, evt transport.Event) {
	select {
	case c.events <- evt:
	case <-ctx.Done():
	}
}

func (c *topicChannel) readMessages(ctx context.Context) {
	defer c.wg.Done()
	self := c.node.Host.ID()
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		c.deliver(ctx, transport.Event{
			Kind:    transport.EventMessage,
			Channel: c.name,
			From:    m.GetFrom().String(),
			Data:    m.Data,
		})
	}
}

func (c *topicChannel) readPeerEvents(ctx context.Context) {
	defer c.wg.Done()
	for {
		pe, err := c.evh.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		kind := transport.EventMemberJoined
		if pe.Type == pubsub.PeerLeave {
			kind = transport.EventMemberLeft
		}
		c.deliver(ctx, transport.Event{Kind: kind, Channel: c.name, From: pe.Peer.String()})
	}
}

func (c *topicChannel) Send(ctx context.Context, payload []byte) error {
	return c.topic.Publish(ctx, payload)
}

// Members returns the peers currently subscribed to the topic plus self.
func (c *topicChannel) Members(_ context.Context) ([]string, error) {
	peers := c.topic.ListPeers()
	out := make([]string, 0, len(peers)+1)
	out = append(out, c.node.ID())
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out, nil
}

func (c *topicChannel) Leave(_ context.Context) error {
	c.once.Do(func() {
		c.cancel()
		c.sub.Cancel()
		c.evh.Cancel()
		// Cancel is processed asynchronously by the pubsub loop, so the
		// topic may stay open; forget keeps the handle for the next Join.
		c.node.forget(c.name, c)
	})
	return nil
}
