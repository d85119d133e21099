package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/hostline/internal/proto"
)

// PionTrack is a Track that can be sent over a Pion peer connection.
type PionTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

type PionConfig struct {
	ICEServers []string
	// Include loopback candidates (local testing).
	IncludeLoopback bool
}

// PionTransport runs one WebRTC peer connection per remote participant and
// negotiates over the call channel. The participant with the smaller
// identity makes the offer.
type PionTransport struct {
	cfg    PionConfig
	sig    Signaler
	api    *webrtc.API
	events chan Event

	mu       sync.Mutex
	joined   bool
	self     string
	channel  string
	mode     Mode
	local    []PionTrack
	muted    map[Kind]bool
	peers    map[string]*peerConn
	cancel   context.CancelFunc
	loopDone chan struct{}
}

type peerConn struct {
	id      string
	pc      *webrtc.PeerConnection
	senders map[string]*webrtc.RTPSender // local track id -> sender
	remote  map[Kind]*webrtc.TrackRemote
	reading map[Kind]bool
	pending []webrtc.ICECandidateInit
	hasDesc bool
	closing bool
	stats   map[Kind]*flowStats
}

type flowStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`

	started bool
	lastSeq uint16
}

// observe accounts one received packet. Gaps in the 16-bit sequence count as
// lost; reordered or repeated packets count nothing.
func (s *flowStats) observe(pkt *rtp.Packet) {
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	seq := pkt.SequenceNumber
	if !s.started {
		s.started, s.lastSeq = true, seq
		return
	}
	diff := seq - s.lastSeq
	if diff == 0 || diff >= 0x8000 {
		return
	}
	s.Lost += uint64(diff - 1)
	s.lastSeq = seq
}

func NewPionTransport(sig Signaler, cfg PionConfig) (*PionTransport, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &PionTransport{
		cfg: cfg,
		sig: sig,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		events: make(chan Event, 64),
		muted:  map[Kind]bool{},
		peers:  map[string]*peerConn{},
	}, nil
}

func (t *PionTransport) Events() <-chan Event { return t.events }

func (t *PionTransport) emit(evt Event) {
	select {
	case t.events <- evt:
	default:
		log.Warnf("media event %s for %s dropped", evt.Type, evt.Peer)
	}
}

func (t *PionTransport) Join(ctx context.Context, p JoinParams) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return fmt.Errorf("pion: already joined %s", t.channel)
	}
	sigs, unsub := t.sig.MediaSignals()
	loopCtx, cancel := context.WithCancel(context.Background())
	t.joined = true
	t.self = p.Identity
	t.channel = p.Channel
	t.mode = p.Mode
	t.cancel = cancel
	t.loopDone = make(chan struct{})
	t.mu.Unlock()

	go t.signalLoop(loopCtx, sigs, unsub)

	if err := t.sig.SendSignal(ctx, proto.Signal{Type: proto.SigMediaReady}); err != nil {
		_ = t.Leave(ctx)
		return fmt.Errorf("pion: announce ready: %w", err)
	}
	return nil
}

func (t *PionTransport) Leave(_ context.Context) error {
	t.mu.Lock()
	peers := t.peers
	cancel, done := t.cancel, t.loopDone
	t.peers = map[string]*peerConn{}
	t.local = nil
	t.muted = map[Kind]bool{}
	t.joined = false
	t.channel = ""
	t.cancel, t.loopDone = nil, nil
	for _, pcn := range peers {
		pcn.closing = true
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var errs []error
	for _, pcn := range peers {
		if err := pcn.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *PionTransport) Publish(ctx context.Context, tracks []Track) error {
	var local []PionTrack
	for _, tr := range tracks {
		pt, ok := tr.(PionTrack)
		if !ok {
			return fmt.Errorf("pion: track %s is not sendable", tr.ID())
		}
		local = append(local, pt)
	}

	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return ErrNotJoined
	}
	t.local = append(t.local, local...)
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pcn := range t.peers {
		peers = append(peers, pcn)
	}
	t.mu.Unlock()

	// Existing connections need the new tracks and a fresh negotiation.
	for _, pcn := range peers {
		for _, tr := range local {
			if err := t.addTrack(pcn, tr); err != nil {
				return err
			}
		}
		t.renegotiate(ctx, pcn.id)
	}
	return nil
}

func (t *PionTransport) addTrack(pcn *peerConn, tr PionTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := pcn.senders[tr.ID()]; ok {
		return nil
	}
	s, err := pcn.pc.AddTrack(tr.TrackLocal())
	if err != nil {
		return fmt.Errorf("pion: add track %s: %w", tr.ID(), err)
	}
	pcn.senders[tr.ID()] = s
	if t.muted[tr.Kind()] {
		_ = s.ReplaceTrack(nil)
	}
	return nil
}

// renegotiate makes the offerer send a new offer; the answerer asks for one.
func (t *PionTransport) renegotiate(ctx context.Context, peer string) {
	if t.isOfferer(peer) {
		if err := t.sendOffer(ctx, peer); err != nil {
			log.Warnf("pion: renegotiate with %s: %v", peer, err)
		}
		return
	}
	if err := t.sig.SendSignal(ctx, proto.Signal{Type: proto.SigMediaReady, To: peer}); err != nil {
		log.Warnf("pion: ask %s to renegotiate: %v", peer, err)
	}
}

func (t *PionTransport) isOfferer(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self < peer
}

func (t *PionTransport) SetMuted(kind Kind, muted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined {
		return ErrNotJoined
	}
	t.muted[kind] = muted
	var errs []error
	for _, pcn := range t.peers {
		for _, tr := range t.local {
			if tr.Kind() != kind {
				continue
			}
			s, ok := pcn.senders[tr.ID()]
			if !ok {
				continue
			}
			var next webrtc.TrackLocal
			if !muted {
				next = tr.TrackLocal()
			}
			if err := s.ReplaceTrack(next); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Subscribe starts consuming a remote track. Video gets a picture loss
// indication so the sender emits a keyframe right away.
func (t *PionTransport) Subscribe(_ context.Context, peer string, kind Kind) error {
	t.mu.Lock()
	pcn, ok := t.peers[peer]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("pion: unknown peer %s", peer)
	}
	track := pcn.remote[kind]
	if track == nil {
		t.mu.Unlock()
		return fmt.Errorf("pion: no %s track from %s", kind, peer)
	}
	if pcn.reading[kind] {
		t.mu.Unlock()
		return nil
	}
	pcn.reading[kind] = true
	st := &flowStats{}
	pcn.stats[kind] = st
	t.mu.Unlock()

	if kind == KindVideo {
		if err := pcn.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			log.Debugf("pion: PLI to %s: %v", peer, err)
		}
	}
	go t.readTrack(pcn, kind, track, st)
	return nil
}

func (t *PionTransport) readTrack(pcn *peerConn, kind Kind, track *webrtc.TrackRemote, st *flowStats) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("pion: read %s from %s: %v", kind, pcn.id, err)
			}
			break
		}
		t.mu.Lock()
		st.observe(pkt)
		t.mu.Unlock()
	}

	t.mu.Lock()
	closing := pcn.closing
	pcn.reading[kind] = false
	if pcn.remote[kind] == track {
		delete(pcn.remote, kind)
	}
	t.mu.Unlock()
	if !closing {
		t.emit(Event{Type: PeerUnpublished, Peer: pcn.id, Kind: kind})
	}
}

// Stats returns received packet/byte counts per remote peer and kind.
func (t *PionTransport) Stats() map[string]map[Kind]flowStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]map[Kind]flowStats{}
	for id, pcn := range t.peers {
		m := map[Kind]flowStats{}
		for k, st := range pcn.stats {
			m[k] = *st
		}
		out[id] = m
	}
	return out
}

func (t *PionTransport) signalLoop(ctx context.Context, sigs <-chan proto.Signal, unsub func()) {
	t.mu.Lock()
	done := t.loopDone
	t.mu.Unlock()
	defer close(done)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			if err := t.handleSignal(ctx, sig); err != nil {
				log.Warnf("pion: %s from %s: %v", sig.Type, sig.From, err)
			}
		}
	}
}

func (t *PionTransport) handleSignal(ctx context.Context, sig proto.Signal) error {
	if sig.From == "" || sig.From == t.sig.Identity() {
		return nil
	}
	switch sig.Type {
	case proto.SigMediaReady:
		t.mu.Lock()
		_, exists := t.peers[sig.From]
		t.mu.Unlock()
		if t.isOfferer(sig.From) {
			return t.sendOffer(ctx, sig.From)
		}
		if !exists && sig.To == "" {
			// They broadcast before we joined; tell them we are here.
			return t.sig.SendSignal(ctx, proto.Signal{Type: proto.SigMediaReady, To: sig.From})
		}
		return nil

	case proto.SigMediaOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &sd); err != nil {
			return err
		}
		pcn, err := t.ensurePeer(sig.From)
		if err != nil {
			return err
		}
		if err := pcn.pc.SetRemoteDescription(sd); err != nil {
			return err
		}
		t.flushCandidates(pcn)
		answer, err := pcn.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := pcn.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		return t.sendDescription(ctx, proto.SigMediaAnswer, sig.From, answer)

	case proto.SigMediaAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &sd); err != nil {
			return err
		}
		t.mu.Lock()
		pcn := t.peers[sig.From]
		t.mu.Unlock()
		if pcn == nil {
			return fmt.Errorf("answer from unknown peer")
		}
		if err := pcn.pc.SetRemoteDescription(sd); err != nil {
			return err
		}
		t.flushCandidates(pcn)
		return nil

	case proto.SigMediaICE:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			return err
		}
		pcn, err := t.ensurePeer(sig.From)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if !pcn.hasDesc {
			pcn.pending = append(pcn.pending, cand)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return pcn.pc.AddICECandidate(cand)
	}
	return nil
}

func (t *PionTransport) flushCandidates(pcn *peerConn) {
	t.mu.Lock()
	pcn.hasDesc = true
	pending := pcn.pending
	pcn.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := pcn.pc.AddICECandidate(c); err != nil {
			log.Debugf("pion: add candidate from %s: %v", pcn.id, err)
		}
	}
}

func (t *PionTransport) sendOffer(ctx context.Context, peer string) error {
	pcn, err := t.ensurePeer(peer)
	if err != nil {
		return err
	}
	offer, err := pcn.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pcn.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return t.sendDescription(ctx, proto.SigMediaOffer, peer, offer)
}

func (t *PionTransport) sendDescription(ctx context.Context, typ, to string, sd webrtc.SessionDescription) error {
	b, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return t.sig.SendSignal(ctx, proto.Signal{Type: typ, To: to, Payload: b})
}

func (t *PionTransport) iceServers() []webrtc.ICEServer {
	if len(t.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
}

// ensurePeer returns the connection for peer, creating it with the current
// local tracks on first use.
func (t *PionTransport) ensurePeer(peer string) (*peerConn, error) {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil, ErrNotJoined
	}
	if pcn, ok := t.peers[peer]; ok {
		t.mu.Unlock()
		return pcn, nil
	}
	local := append([]PionTrack(nil), t.local...)
	mode := t.mode
	t.mu.Unlock()

	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers()})
	if err != nil {
		return nil, err
	}
	pcn := &peerConn{
		id:      peer,
		pc:      pc,
		senders: map[string]*webrtc.RTPSender{},
		remote:  map[Kind]*webrtc.TrackRemote{},
		reading: map[Kind]bool{},
		stats:   map[Kind]*flowStats{},
	}

	t.mu.Lock()
	if existing, ok := t.peers[peer]; ok {
		t.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	t.peers[peer] = pcn
	t.mu.Unlock()

	if mode == ModeLive || len(local) == 0 {
		// Receive-only m-lines keep the SDP valid without local media.
		for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				log.Warnf("pion: recvonly transceiver (%s): %v", k, err)
			}
		}
	} else {
		for _, tr := range local {
			if err := t.addTrack(pcn, tr); err != nil {
				log.Warnf("pion: %v", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.sig.SendSignal(ctx, proto.Signal{Type: proto.SigMediaICE, To: peer, Payload: b}); err != nil {
			log.Debugf("pion: send candidate to %s: %v", peer, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		t.mu.Lock()
		pcn.remote[kind] = track
		t.mu.Unlock()
		log.Infof("pion: remote %s track from %s (%s)", kind, peer, track.Codec().MimeType)
		t.emit(Event{Type: PeerPublished, Peer: peer, Kind: kind})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("pion: %s connection %s", peer, s)
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return
		}
		t.mu.Lock()
		closing := pcn.closing
		pcn.closing = true
		if t.peers[peer] == pcn {
			delete(t.peers, peer)
		}
		t.mu.Unlock()
		if closing {
			return
		}
		t.emit(Event{Type: PeerLeft, Peer: peer})
		go func() { _ = pc.Close() }()
	})

	return pcn, nil
}
