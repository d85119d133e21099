package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/hostline/internal/proto"
)

var log = logging.Logger("mq")

// ackTimeout is how long Send waits for a transport ACK from the remote
// peer before returning an error to the caller.
const ackTimeout = 10 * time.Second

// Handler receives one inbound message.
type Handler func(from, topic string, payload []byte)

// Manager owns the MQ stream handler and topic subscribers.
type Manager struct {
	host   host.Host
	selfID string

	seq int64 // atomic monotonic counter for outbound messages

	topicMu   sync.RWMutex
	topicSubs map[int]topicSub
	nextSub   int
}

type topicSub struct {
	prefix string
	fn     Handler
}

// New creates a Manager and registers the stream handler on h.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		selfID:    h.ID().String(),
		topicSubs: map[int]topicSub{},
	}
	h.SetStreamHandler(protocol.ID(proto.MQProtoID), m.handleIncoming)
	log.Debugf("registered handler for %s", proto.MQProtoID)
	return m
}

// Close removes the stream handler.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.MQProtoID))
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and the MQ protocol is absent from it.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true // unknown, optimistically try
	}
	for _, p := range protos {
		if p == protocol.ID(proto.MQProtoID) {
			return true
		}
	}
	return false
}

// Send opens a stream to peerID, writes one message and waits up to
// ackTimeout for the transport ACK. Returns the message ID.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload []byte) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}
	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("mq: protocols not supported: [%s]", proto.MQProtoID)
	}
	if !json.Valid(payload) {
		b, err := json.Marshal(string(payload))
		if err != nil {
			return "", err
		}
		payload = b
	}

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: payload,
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.MQProtoID))
	if err != nil {
		return "", fmt.Errorf("mq: open stream to %s: %w", short(peerID), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	var ack MQAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", short(peerID), err)
	}
	if ack.ID != msg.ID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Debugf("sent msg %s (topic=%s) to %s via %s", short(msg.ID), topic, short(peerID), connVia(stream))
	return msg.ID, nil
}

// handleIncoming reads one MQMsg, acks it immediately, then dispatches.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnf("decode error from %s: %v", short(remotePeer), err)
		return
	}

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		// Continue dispatching even if ACK write failed.
		log.Warnf("ack write error to %s: %v", short(remotePeer), err)
	}

	log.Debugf("received msg %s (topic=%s) from %s", short(msg.ID), msg.Topic, short(remotePeer))

	m.topicMu.RLock()
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			sub.fn(remotePeer, msg.Topic, msg.Payload)
		}
	}
	m.topicMu.RUnlock()
}

// SubscribeTopic registers fn for messages whose topic has the given prefix.
// fn runs on the stream handler goroutine and must not block.
// Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn Handler) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}

// connVia returns "relay" if the stream is routed through a circuit relay,
// or "direct" otherwise.
func connVia(s network.Stream) string {
	if strings.Contains(s.Conn().RemoteMultiaddr().String(), "/p2p-circuit") {
		return "relay"
	}
	return "direct"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
