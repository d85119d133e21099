package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/hostline/internal/mq"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/transport"
	"github.com/petervdpas/hostline/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// Direct peer messages travel on this mq topic.
const directTopic = "direct"

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string
}

// Node is a libp2p host acting as a transport.Messaging: channels are
// gossipsub topics and direct messages go through mq.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mq   *mq.Manager
	mdns mdns.Service

	peerCh  chan transport.Event
	stateCh chan transport.ConnState
	unsubMQ func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	loggedIn bool
	channels map[string]*topicChannel
	// Topic handles outlive a channel whose Close raced its Cancel.
	topics map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("Generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("Loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}
	n, err := newNode(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	tag := opts.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	n.mdns = mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := n.mdns.Start(); err != nil {
		_ = n.Close()
		return nil, err
	}

	for _, raw := range opts.Bootstrap {
		if err := n.connectBootstrap(ctx, raw); err != nil {
			log.Warnf("bootstrap %s: %v", raw, err)
		}
	}
	return n, nil
}

// newNode wires pubsub, mq and event plumbing onto an existing host.
func newNode(ctx context.Context, h host.Host) (*Node, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		Host:     h,
		ps:       ps,
		mq:       mq.New(h),
		peerCh:   make(chan transport.Event, 64),
		stateCh:  make(chan transport.ConnState, 8),
		ctx:      nctx,
		cancel:   cancel,
		channels: map[string]*topicChannel{},
		topics:   map[string]*pubsub.Topic{},
	}
	n.unsubMQ = n.mq.SubscribeTopic(directTopic, func(from, _ string, payload []byte) {
		select {
		case n.peerCh <- transport.Event{Kind: transport.EventMessage, From: from, Data: payload}:
		default:
			log.Warnf("direct inbox full, dropping message from %s", from)
		}
	})
	if err := n.watchConnectedness(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) connectBootstrap(ctx context.Context, raw string) error {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, *pi)
}

// watchConnectedness turns libp2p connectedness changes into coarse
// connected/disconnected transitions.
func (n *Node) watchConnectedness() error {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("subscribe connectedness: %w", err)
	}
	go func() {
		defer sub.Close()
		connected := len(n.Host.Network().Peers()) > 0
		for {
			select {
			case <-n.ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				evt := e.(event.EvtPeerConnectednessChanged)
				now := len(n.Host.Network().Peers()) > 0
				if evt.Connectedness == network.Connected && !connected {
					n.emitState(transport.StateConnected)
				} else if !now && connected {
					n.emitState(transport.StateDisconnected)
				}
				connected = now
			}
		}
	}()
	return nil
}

func (n *Node) emitState(s transport.ConnState) {
	select {
	case n.stateCh <- s:
	default:
	}
}

func (n *Node) ID() string { return n.Host.ID().String() }

// Login checks that identity matches the node key. The libp2p mesh
// authenticates peers by key, so the token is not used here.
func (n *Node) Login(_ context.Context, identity, _ string) error {
	if identity != "" && identity != n.ID() {
		return fmt.Errorf("p2p: identity %q does not match node id %s", identity, n.ID())
	}
	n.mu.Lock()
	n.loggedIn = true
	n.mu.Unlock()
	if len(n.Host.Network().Peers()) > 0 {
		n.emitState(transport.StateConnected)
	}
	return nil
}

func (n *Node) Identity() string { return n.ID() }

func (n *Node) PeerMessages() <-chan transport.Event        { return n.peerCh }
func (n *Node) ConnectionStates() <-chan transport.ConnState { return n.stateCh }

func (n *Node) SendToPeer(ctx context.Context, peerID string, payload []byte) error {
	if !n.isLoggedIn() {
		return transport.ErrNotLoggedIn
	}
	_, err := n.mq.Send(ctx, peerID, directTopic, payload)
	return err
}

func (n *Node) isLoggedIn() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loggedIn
}

func (n *Node) Join(_ context.Context, name string) (transport.Channel, error) {
	if !n.isLoggedIn() {
		return nil, transport.ErrNotLoggedIn
	}
	if _, err := util.ValidateName(name); err != nil {
		return nil, fmt.Errorf("p2p: channel %q: %w", name, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.channels[name]; ok {
		return ch, nil
	}

	topic, ok := n.topics[name]
	if !ok {
		var err error
		topic, err = n.ps.Join(proto.TopicPrefix + name)
		if err != nil {
			return nil, fmt.Errorf("p2p: join topic %s: %w", name, err)
		}
		n.topics[name] = topic
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe %s: %w", name, err)
	}
	evh, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("p2p: topic events %s: %w", name, err)
	}

	ch := newTopicChannel(n, name, topic, sub, evh)
	n.channels[name] = ch
	return ch, nil
}

func (n *Node) forget(name string, ch *topicChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channels[name] == ch {
		delete(n.channels, name)
	}
	if err := ch.topic.Close(); err != nil {
		log.Debugf("close topic %s: %v", name, err)
		return
	}
	delete(n.topics, name)
}

func (n *Node) Close() error {
	n.mu.Lock()
	chans := make([]*topicChannel, 0, len(n.channels))
	for _, ch := range n.channels {
		chans = append(chans, ch)
	}
	n.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Leave(context.Background())
	}

	n.cancel()
	if n.unsubMQ != nil {
		n.unsubMQ()
	}
	n.mq.Close()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
