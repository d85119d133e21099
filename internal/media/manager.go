package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/config"
)

var log = logging.Logger("media")

var ErrNotJoined = errors.New("media: not joined")

const DefaultInCallDebounce = 200 * time.Millisecond

type Options struct {
	Role      string
	AppID     string
	Source    Source
	Transport Transport
	Clock     clock.Clock

	Constraints    Constraints
	InCallDebounce time.Duration

	// RoleOf resolves the call role a remote media id announced.
	RoleOf func(mediaID string) (string, bool)
	// OnInCall fires (debounced) on a host once the first remote video arrives.
	OnInCall func()
	// OnVanished fires on a host when no caller is left in the media session.
	OnVanished func()
}

type JoinRequest struct {
	Channel  string
	Identity string
	Token    string
	Mode     Mode
	Publish  bool
}

type RemoteState struct {
	Peer  string `json:"peer"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

type State struct {
	Joined     bool          `json:"joined"`
	Channel    string        `json:"channel,omitempty"`
	Publishing bool          `json:"publishing"`
	AudioMuted bool          `json:"audio_muted"`
	VideoMuted bool          `json:"video_muted"`
	Remote     []RemoteState `json:"remote"`
}

type remote struct {
	audio, video bool
}

type Manager struct {
	opts     Options
	clk      clock.Clock
	debounce func(func())

	mu             sync.Mutex
	joined         bool
	channel        string
	publishing     bool
	local          []Track
	remotes        map[string]*remote
	audioMuted     bool
	videoMuted     bool
	sawRemoteVideo bool
	suppressUntil  time.Time

	stop chan struct{}
	done chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.InCallDebounce <= 0 {
		opts.InCallDebounce = DefaultInCallDebounce
	}
	if opts.Constraints == (Constraints{}) {
		opts.Constraints = Constraints{Audio: true, Video: true}
	}
	m := &Manager{
		opts:     opts,
		clk:      opts.Clock,
		debounce: debounce.New(opts.InCallDebounce),
		remotes:  map[string]*remote{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

// Close stops event processing. It does not leave the transport.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Manager) isHost() bool     { return m.opts.Role == config.RoleHost }
func (m *Manager) isObserver() bool { return m.opts.Role == config.RoleObserver }

// AcquireLocalMedia opens camera and microphone. Observers never capture.
// Failures are returned as *AcquireError.
func (m *Manager) AcquireLocalMedia(ctx context.Context) error {
	if m.isObserver() || m.opts.Source == nil {
		return nil
	}
	m.mu.Lock()
	have := len(m.local) > 0
	m.mu.Unlock()
	if have {
		return nil
	}

	tracks, err := m.opts.Source.Acquire(ctx, m.opts.Constraints)
	if err != nil {
		ae := ClassifyAcquire(err)
		log.Warnf("local media unavailable (%s): %v", ae.Kind, err)
		return ae
	}

	m.mu.Lock()
	if len(m.local) > 0 {
		m.mu.Unlock()
		closeTracks(tracks)
		return nil
	}
	m.local = tracks
	m.mu.Unlock()
	log.Infof("acquired %d local tracks", len(tracks))
	return nil
}

// Join joins the media transport and publishes local tracks when asked to.
// Joining the current channel again is a no-op; joining another one leaves
// the current channel first and keeps the local tracks.
func (m *Manager) Join(ctx context.Context, req JoinRequest) error {
	m.mu.Lock()
	if m.joined && m.channel == req.Channel {
		m.mu.Unlock()
		return nil
	}
	prev := ""
	if m.joined {
		prev = m.channel
		m.joined = false
		m.channel = ""
		m.publishing = false
		m.remotes = map[string]*remote{}
		m.sawRemoteVideo = false
	}
	m.mu.Unlock()
	if prev != "" {
		if err := m.opts.Transport.Leave(ctx); err != nil {
			log.Warnf("[%s] leaving for %s: %v", prev, req.Channel, err)
		}
		log.Infof("[%s] media left for %s", prev, req.Channel)
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeCall
	}
	if m.isObserver() {
		mode = ModeLive
	}
	err := m.opts.Transport.Join(ctx, JoinParams{
		AppID:    m.opts.AppID,
		Channel:  req.Channel,
		Token:    req.Token,
		Identity: req.Identity,
		Mode:     mode,
	})
	if err != nil {
		return fmt.Errorf("media join %s: %w", req.Channel, err)
	}

	m.mu.Lock()
	m.joined = true
	m.channel = req.Channel
	m.sawRemoteVideo = false
	m.remotes = map[string]*remote{}
	m.mu.Unlock()
	log.Infof("[%s] media joined as %s", req.Channel, req.Identity)

	if !req.Publish || m.isObserver() {
		return nil
	}
	if err := m.AcquireLocalMedia(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	tracks := append([]Track(nil), m.local...)
	m.mu.Unlock()
	if len(tracks) == 0 {
		return nil
	}
	if err := m.opts.Transport.Publish(ctx, tracks); err != nil {
		return fmt.Errorf("media publish %s: %w", req.Channel, err)
	}
	m.mu.Lock()
	m.publishing = true
	m.mu.Unlock()
	return nil
}

// Leave releases local tracks, leaves the transport and resets mute state,
// whether or not a join ever succeeded.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	tracks := m.local
	channel := m.channel
	m.local = nil
	m.joined = false
	m.channel = ""
	m.publishing = false
	m.remotes = map[string]*remote{}
	m.audioMuted = false
	m.videoMuted = false
	m.sawRemoteVideo = false
	m.mu.Unlock()

	closeTracks(tracks)
	err := m.opts.Transport.Leave(ctx)
	if channel != "" {
		log.Infof("[%s] media left", channel)
	}
	return err
}

func closeTracks(tracks []Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Debugf("close track %s: %v", t.ID(), err)
		}
	}
}

func (m *Manager) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

// SuppressVanish ignores counterpart-vanished for d, used while a host
// deliberately switches channels.
func (m *Manager) SuppressVanish(d time.Duration) {
	m.mu.Lock()
	m.suppressUntil = m.clk.Now().Add(d)
	m.mu.Unlock()
}

// ToggleAudio flips local audio mute. Returns the new muted state.
func (m *Manager) ToggleAudio() (bool, error) { return m.toggle(KindAudio) }

// ToggleVideo flips local video. Returns the new disabled state.
func (m *Manager) ToggleVideo() (bool, error) { return m.toggle(KindVideo) }

func (m *Manager) toggle(kind Kind) (bool, error) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return false, ErrNotJoined
	}
	flag := &m.audioMuted
	if kind == KindVideo {
		flag = &m.videoMuted
	}
	next := !*flag
	m.mu.Unlock()

	if err := m.opts.Transport.SetMuted(kind, next); err != nil {
		return !next, err
	}
	m.mu.Lock()
	*flag = next
	m.mu.Unlock()
	log.Infof("%s muted=%v", kind, next)
	return next, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Joined:     m.joined,
		Channel:    m.channel,
		Publishing: m.publishing,
		AudioMuted: m.audioMuted,
		VideoMuted: m.videoMuted,
	}
	for id, r := range m.remotes {
		s.Remote = append(s.Remote, RemoteState{Peer: id, Audio: r.audio, Video: r.video})
	}
	sort.Slice(s.Remote, func(i, j int) bool { return s.Remote[i].Peer < s.Remote[j].Peer })
	return s
}

func (m *Manager) loop() {
	defer close(m.done)
	events := m.opts.Transport.Events()
	for {
		select {
		case <-m.stop:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.handle(evt)
		}
	}
}

func (m *Manager) handle(evt Event) {
	switch evt.Type {
	case PeerPublished:
		m.onPublished(evt)
	case PeerUnpublished:
		m.mu.Lock()
		if r, ok := m.remotes[evt.Peer]; ok {
			if evt.Kind == KindVideo {
				r.video = false
			} else {
				r.audio = false
			}
		}
		m.mu.Unlock()
	case PeerLeft:
		m.onLeft(evt.Peer)
	}
}

func (m *Manager) onPublished(evt Event) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	channel := m.channel
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := m.opts.Transport.Subscribe(ctx, evt.Peer, evt.Kind)
	cancel()
	if err != nil {
		log.Warnf("[%s] subscribe %s/%s: %v", channel, evt.Peer, evt.Kind, err)
		return
	}

	m.mu.Lock()
	r := m.remotes[evt.Peer]
	if r == nil {
		r = &remote{}
		m.remotes[evt.Peer] = r
	}
	firstVideo := false
	if evt.Kind == KindVideo {
		r.video = true
		if !m.sawRemoteVideo {
			m.sawRemoteVideo = true
			firstVideo = true
		}
	} else {
		r.audio = true
	}
	m.mu.Unlock()

	if firstVideo && m.isHost() && m.opts.OnInCall != nil {
		log.Infof("[%s] first remote video from %s", channel, evt.Peer)
		m.debounce(m.opts.OnInCall)
	}
}

func (m *Manager) onLeft(peer string) {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return
	}
	delete(m.remotes, peer)
	callers := 0
	for id := range m.remotes {
		if m.opts.RoleOf == nil {
			callers++
			continue
		}
		if role, ok := m.opts.RoleOf(id); ok && role == config.RoleCaller {
			callers++
		}
	}
	suppressed := m.clk.Now().Before(m.suppressUntil)
	channel := m.channel
	m.mu.Unlock()

	if !m.isHost() || callers > 0 {
		return
	}
	if suppressed {
		log.Infof("[%s] %s left during channel switch, not reporting", channel, peer)
		return
	}
	log.Infof("[%s] counterpart vanished", channel)
	if m.opts.OnVanished != nil {
		m.opts.OnVanished()
	}
}
