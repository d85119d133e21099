// Package call drives a call from host selection to teardown: admission,
// signaling, media and the caller's time budget.
package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/hostline/internal/admission"
	"github.com/petervdpas/hostline/internal/callchan"
	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/media"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/token"
)

var log = logging.Logger("call")

const (
	DefaultSetupTimeout   = 30 * time.Second
	DefaultMaxCandidates  = 5
	DefaultWatchdogTick   = time.Second
	DefaultVanishSuppress = 3 * time.Second

	teardownTimeout = 10 * time.Second
)

type Options struct {
	// Identity is the local messaging identity. It doubles as the media
	// identity and, for hosts, the host id in the presence list.
	Identity string
	Role     string

	Presence  *presence.Store
	Admission Admission
	Tokens    Tokens
	Signaling Signaling
	Media     Media
	Lobby     Lobby
	Clock     clock.Clock

	SetupTimeout   time.Duration
	MaxCandidates  int
	Allowance      time.Duration // 0 disables the watchdog
	WatchdogTick   time.Duration
	VanishSuppress time.Duration

	// Shuffle orders random host candidates. Defaults to math/rand.
	Shuffle func(n int, swap func(i, j int))
}

type session struct {
	role        string
	channel     string
	counterpart string
	reserved    bool
	opened      bool
	budget      *Budget

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Manager is the call orchestrator. One call runs at a time.
type Manager struct {
	opts Options
	clk  clock.Clock

	// runMu serializes setups so an aborted setup finishes its cleanup
	// before the next one starts.
	runMu sync.Mutex

	mu    sync.Mutex
	state State
	sess  *session

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	stop chan struct{}
	done chan struct{}
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.WatchdogTick <= 0 {
		opts.WatchdogTick = DefaultWatchdogTick
	}
	if opts.VanishSuppress <= 0 {
		opts.VanishSuppress = DefaultVanishSuppress
	}
	if opts.Shuffle == nil {
		opts.Shuffle = rand.Shuffle
	}
	m := &Manager{
		opts:  opts,
		clk:   opts.Clock,
		state: StateIdle,
		subs:  map[chan Event]struct{}{},
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Close tears down any active call and stops event dispatch.
func (m *Manager) Close() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	<-m.done
	if err := m.EndCall(context.Background()); err != nil && !errors.Is(err, ErrNoCall) {
		log.Warnf("close: %v", err)
	}
}

// Subscribe registers a lifecycle event listener. Slow listeners lose events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(evt Event) {
	evt.At = m.clk.Now()
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Manager) begin(ctx context.Context, role string) (*session, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle || m.sess != nil {
		return nil, nil, ErrCallActive
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{role: role, cancel: cancel, done: make(chan struct{})}
	m.sess = s
	return s, sctx, nil
}

// advance moves s to state if s is still the live session.
func (m *Manager) advance(s *session, state State) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	m.state = state
	evt := Event{Type: EventSetupProgress, State: state, Role: s.role, Channel: s.channel, Counterpart: s.counterpart}
	m.mu.Unlock()
	m.emit(evt)
	return true
}

// RequestCall runs the caller setup against hostID, or against up to
// MaxCandidates random available hosts when hostID is empty.
func (m *Manager) RequestCall(ctx context.Context, hostID string) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	s, sctx, err := m.begin(ctx, config.RoleCaller)
	if err != nil {
		return err
	}
	defer s.cancel()
	if err := m.callerSetup(sctx, s, hostID); err != nil {
		return m.fail(s, err)
	}
	return nil
}

func (m *Manager) callerSetup(ctx context.Context, s *session, hostID string) error {
	self := m.opts.Identity
	if !m.advance(s, StateSelectingHost) {
		return ErrCancelled
	}
	if err := m.opts.Media.AcquireLocalMedia(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return classifyMedia(err)
	}
	cands, err := m.candidates(hostID)
	if err != nil {
		return err
	}

	var refused *Error
	granted := false
	for _, rec := range cands {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		m.mu.Lock()
		s.channel, s.counterpart = rec.ChannelRef, rec.HostID
		m.mu.Unlock()
		if !m.advance(s, StateAdmitting) {
			return ErrCancelled
		}
		// A failed reserve may still have been granted at the gate, so the
		// channel counts as held until the gate says otherwise.
		m.mu.Lock()
		s.reserved = true
		m.mu.Unlock()
		res, err := m.opts.Admission.Reserve(ctx, rec.ChannelRef, self)
		if err != nil {
			return classifyStep(ctx, Unexpected, fmt.Errorf("reserve %s: %w", rec.ChannelRef, err))
		}
		if res.Outcome != admission.Granted {
			m.mu.Lock()
			s.reserved = false
			m.mu.Unlock()
		}
		switch res.Outcome {
		case admission.Granted:
			granted = true
		case admission.Busy:
			refused = newError(HostBusy, fmt.Errorf("host %s is paired with another caller", rec.HostID))
		default:
			refused = newError(HostGone, fmt.Errorf("host %s is not accepting callers", rec.HostID))
		}
		if granted {
			break
		}
		log.Infof("[%s] admission refused (%s)", rec.ChannelRef, refused.Kind)
	}
	if !granted {
		if hostID == "" {
			return newError(NoHostsAvailable, fmt.Errorf("%d candidates refused", len(cands)))
		}
		return refused
	}

	m.mu.Lock()
	channel, host := s.channel, s.counterpart
	m.mu.Unlock()

	if !m.advance(s, StateJoiningSignaling) {
		return ErrCancelled
	}
	if err := m.opts.Signaling.Join(ctx, channel, config.RoleCaller); err != nil {
		return classifyStep(ctx, SignalingFailure, err)
	}

	if !m.advance(s, StateAwaitingProfile) {
		return ErrCancelled
	}
	wctx, cancel := m.clk.WithTimeout(ctx, m.opts.SetupTimeout)
	_, err = m.opts.Signaling.WaitForProfile(wctx, host)
	cancel()
	if err != nil {
		return classifyStep(ctx, SignalingFailure, fmt.Errorf("waiting for host profile: %w", err))
	}

	if !m.advance(s, StateJoiningMedia) {
		return ErrCancelled
	}
	if err := m.joinMedia(ctx, s, media.ModeCall, true); err != nil {
		return err
	}
	return m.enterInCall(s)
}

// candidates snapshots the presence store. A named host must still be
// available; otherwise a bounded random sample without replacement.
func (m *Manager) candidates(hostID string) ([]presence.HostRecord, error) {
	if hostID != "" {
		rec, ok := m.opts.Presence.Get(hostID)
		if !ok || !rec.Active || rec.Availability != presence.Available || rec.ChannelRef == "" {
			return nil, newError(HostGone, fmt.Errorf("host %s is not available", hostID))
		}
		return []presence.HostRecord{rec}, nil
	}
	avail := m.opts.Presence.Available()
	if len(avail) == 0 {
		return nil, newError(NoHostsAvailable, errors.New("no available hosts"))
	}
	return sample(avail, m.opts.MaxCandidates, m.opts.Shuffle), nil
}

func sample(recs []presence.HostRecord, k int, shuffle func(int, func(i, j int))) []presence.HostRecord {
	pool := append([]presence.HostRecord(nil), recs...)
	shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > k {
		pool = pool[:k]
	}
	return pool
}

func (m *Manager) joinMedia(ctx context.Context, s *session, mode media.Mode, publish bool) error {
	m.mu.Lock()
	channel := s.channel
	m.mu.Unlock()

	var tok string
	if m.opts.Tokens != nil {
		t, err := m.opts.Tokens.Token(ctx, token.KindMedia, m.opts.Identity, channel)
		if err != nil {
			return classifyStep(ctx, MediaFailure, fmt.Errorf("media token: %w", err))
		}
		tok = t
	}
	err := m.opts.Media.Join(ctx, media.JoinRequest{
		Channel:  channel,
		Identity: m.opts.Identity,
		Token:    tok,
		Mode:     mode,
		Publish:  publish,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return classifyMedia(err)
	}
	return nil
}

func (m *Manager) enterInCall(s *session) error {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.state = StateInCall
	if s.role == config.RoleCaller && m.opts.Allowance > 0 {
		s.budget = NewBudget(m.clk, m.opts.Allowance)
		w := &watchdog{
			budget:      s.budget,
			clk:         m.clk,
			tick:        m.opts.WatchdogTick,
			mediaJoined: m.opts.Media.Joined,
			onExhausted: func() { m.exhausted(s) },
		}
		go w.run(s.done)
	}
	role, channel, counterpart := s.role, s.channel, s.counterpart
	m.mu.Unlock()

	if role == config.RoleCaller {
		m.opts.Presence.MarkInCall(counterpart, channel, m.opts.Identity)
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := m.opts.Signaling.SendJoined(ctx); err != nil {
			log.Warnf("[%s] joined signal: %v", channel, err)
		}
		cancel()
	}
	log.Infof("[%s] in call as %s with %s", channel, role, counterpart)
	m.emit(Event{Type: EventInCall, State: StateInCall, Role: role, Channel: channel, Counterpart: counterpart})
	return nil
}

// Host opens a fresh channel, publishes availability and blocks until a
// caller announces itself or the setup is ended.
func (m *Manager) Host(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	s, sctx, err := m.begin(ctx, config.RoleHost)
	if err != nil {
		return err
	}
	defer s.cancel()
	if err := m.hostSetup(sctx, s); err != nil {
		return m.fail(s, err)
	}
	return nil
}

func (m *Manager) hostSetup(ctx context.Context, s *session) error {
	self := m.opts.Identity
	channel := "call-" + uuid.NewString()
	m.mu.Lock()
	s.channel = channel
	m.mu.Unlock()

	if !m.advance(s, StateAdmitting) {
		return ErrCancelled
	}
	m.opts.Media.SuppressVanish(m.opts.VanishSuppress)
	if err := m.opts.Media.AcquireLocalMedia(ctx); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return classifyMedia(err)
	}
	if err := m.opts.Admission.OpenHostChannel(ctx, channel, self); err != nil {
		return classifyStep(ctx, Unexpected, fmt.Errorf("open channel: %w", err))
	}
	m.mu.Lock()
	s.opened = true
	m.mu.Unlock()

	if !m.advance(s, StateJoiningSignaling) {
		return ErrCancelled
	}
	if err := m.opts.Signaling.Join(ctx, channel, config.RoleHost); err != nil {
		return classifyStep(ctx, SignalingFailure, err)
	}

	if !m.advance(s, StateJoiningMedia) {
		return ErrCancelled
	}
	if err := m.joinMedia(ctx, s, media.ModeCall, true); err != nil {
		return err
	}

	if m.opts.Lobby != nil {
		err := m.opts.Lobby.BroadcastSelfStatus(ctx, proto.StatusDelta{
			Status:     proto.String(proto.StatusAvailable),
			Active:     proto.Bool(true),
			InCall:     proto.Bool(false),
			ChannelRef: proto.String(channel),
			InCallWith: proto.String(""),
		})
		if err != nil {
			return classifyStep(ctx, SignalingFailure, fmt.Errorf("announce availability: %w", err))
		}
	}

	if !m.advance(s, StateAwaitingProfile) {
		return ErrCancelled
	}
	p, err := m.opts.Signaling.WaitForRole(ctx, config.RoleCaller)
	if err != nil {
		return classifyStep(ctx, SignalingFailure, fmt.Errorf("waiting for caller: %w", err))
	}
	m.mu.Lock()
	s.counterpart = p.Identity
	m.mu.Unlock()
	return m.enterInCall(s)
}

// Observe joins channel as a receive-only participant.
func (m *Manager) Observe(ctx context.Context, channel string) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	s, sctx, err := m.begin(ctx, config.RoleObserver)
	if err != nil {
		return err
	}
	defer s.cancel()
	m.mu.Lock()
	s.channel = channel
	m.mu.Unlock()

	err = func() error {
		if !m.advance(s, StateJoiningSignaling) {
			return ErrCancelled
		}
		if err := m.opts.Signaling.Join(sctx, channel, config.RoleObserver); err != nil {
			return classifyStep(sctx, SignalingFailure, err)
		}
		if !m.advance(s, StateJoiningMedia) {
			return ErrCancelled
		}
		if err := m.joinMedia(sctx, s, media.ModeLive, false); err != nil {
			return err
		}
		return m.enterInCall(s)
	}()
	if err != nil {
		return m.fail(s, err)
	}
	return nil
}

// fail unwinds a setup that did not reach InCall. A setup cancelled by a
// concurrent teardown repeats the cleanup steps, since a join may have
// completed after that teardown ran.
func (m *Manager) fail(s *session, err error) error {
	m.mu.Lock()
	live := m.sess == s
	m.mu.Unlock()

	if live && errors.Is(err, ErrCancelled) {
		if terr := m.teardown(s, ReasonCancelled, ""); terr != nil {
			log.Warnf("[%s] cleanup after cancel: %v", s.channel, terr)
		}
		return ErrCancelled
	}
	if !live {
		if terr := m.unwind(s); terr != nil {
			log.Warnf("[%s] cleanup after cancel: %v", s.channel, terr)
		}
		return ErrCancelled
	}

	kind := KindOf(err)
	if kind == Unexpected {
		log.Errorw("call setup failed", "role", s.role, "channel", s.channel, "err", err)
	} else {
		log.Infof("[%s] setup failed: %s", s.channel, kind)
	}
	if terr := m.teardown(s, string(kind), kind); terr != nil {
		log.Warnf("[%s] rollback: %v", s.channel, terr)
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return newError(Unexpected, err)
}

// EndCall tears down the active call or cancels a setup in progress.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNoCall
	}
	return m.teardown(s, ReasonUser, "")
}

func (m *Manager) exhausted(s *session) {
	if err := m.teardown(s, string(QuotaExhausted), QuotaExhausted); err != nil {
		log.Warnf("[%s] quota teardown: %v", s.channel, err)
	}
}

// teardown ends s if it is still the live session. Repeated calls are no-ops.
func (m *Manager) teardown(s *session, reason string, kind Kind) error {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return nil
	}
	m.sess = nil
	m.state = StateTearingDown
	role, channel, counterpart := s.role, s.channel, s.counterpart
	m.mu.Unlock()

	s.close()
	m.emit(Event{Type: EventSetupProgress, State: StateTearingDown, Role: role, Channel: channel})

	err := m.unwind(s)

	m.mu.Lock()
	if m.sess == nil {
		m.state = StateIdle
	}
	m.mu.Unlock()

	evt := Event{Type: EventEnded, State: StateIdle, Role: role, Channel: channel, Counterpart: counterpart, Reason: reason, Kind: kind}
	if kind != "" {
		evt.Notice = Notice(kind)
	}
	m.emit(evt)
	log.Infof("[%s] ended (%s)", channel, reason)
	return err
}

// unwind runs every cleanup step for s concurrently. Each step runs whatever
// the others report.
func (m *Manager) unwind(s *session) error {
	m.mu.Lock()
	role, channel, reserved, opened := s.role, s.channel, s.reserved, s.opened
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	step := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Warnf("[%s] teardown %s: %v", channel, name, err)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}()
	}

	step("media", func() error { return m.opts.Media.Leave(ctx) })
	step("signaling", func() error {
		if role == config.RoleHost {
			if err := m.opts.Signaling.SendHostEnded(ctx); err != nil && !errors.Is(err, callchan.ErrNotJoined) {
				log.Debugf("[%s] host-ended signal: %v", channel, err)
			}
		}
		return m.opts.Signaling.Leave(ctx)
	})
	if reserved {
		step("admission", func() error { return m.opts.Admission.Release(ctx, channel, m.opts.Identity) })
	}
	if opened {
		step("admission", func() error {
			return m.opts.Admission.CloseHostChannel(ctx, channel, admission.HostFinished)
		})
	}
	if role == config.RoleHost && m.opts.Lobby != nil {
		step("lobby", func() error {
			return m.opts.Lobby.BroadcastSelfStatus(ctx, proto.StatusDelta{
				Status:     proto.String(proto.StatusOnline),
				InCall:     proto.Bool(false),
				ChannelRef: proto.String(""),
				InCallWith: proto.String(""),
			})
		})
	}
	wg.Wait()
	return errs
}

// dispatchLoop turns call channel events into teardowns.
func (m *Manager) dispatchLoop() {
	defer close(m.done)
	events := m.opts.Signaling.Events()
	for {
		select {
		case <-m.stop:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(evt)
		}
	}
}

func (m *Manager) dispatch(evt callchan.Event) {
	m.mu.Lock()
	s := m.sess
	var role, channel, counterpart string
	if s != nil {
		role, channel, counterpart = s.role, s.channel, s.counterpart
	}
	m.mu.Unlock()
	if s == nil || evt.Channel != channel {
		return
	}

	switch evt.Type {
	case callchan.EventHostEnded:
		if role != config.RoleHost {
			log.Infof("[%s] host ended the call", channel)
			go m.teardown(s, ReasonHostEnded, "")
		}
	case callchan.EventBye, callchan.EventParticipantLeft:
		if counterpart != "" && evt.From == counterpart && role != config.RoleObserver {
			log.Infof("[%s] %s left", channel, evt.From)
			go m.teardown(s, ReasonCounterpartBye, "")
		}
	case callchan.EventJoined:
		log.Debugf("[%s] %s confirmed join", channel, evt.From)
	}
}

// HostMediaLive is the media in-call hook: a host re-broadcasts its record as
// in_call once remote video flows.
func (m *Manager) HostMediaLive() {
	m.mu.Lock()
	s := m.sess
	ok := s != nil && s.role == config.RoleHost && (m.state == StateInCall || m.state == StateAwaitingProfile)
	var channel, with string
	if ok {
		channel, with = s.channel, s.counterpart
	}
	m.mu.Unlock()
	if !ok || m.opts.Lobby == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	err := m.opts.Lobby.BroadcastSelfStatus(ctx, proto.StatusDelta{
		Status:     proto.String(proto.StatusInCall),
		Active:     proto.Bool(true),
		InCall:     proto.Bool(true),
		ChannelRef: proto.String(channel),
		InCallWith: proto.String(with),
	})
	if err != nil {
		log.Warnf("[%s] in_call broadcast: %v", channel, err)
	}
}

// CounterpartVanished is the media hook for a host whose last caller left.
func (m *Manager) CounterpartVanished() {
	m.mu.Lock()
	s := m.sess
	ok := s != nil && s.role == config.RoleHost && m.state == StateInCall
	m.mu.Unlock()
	if ok {
		go m.teardown(s, ReasonVanished, "")
	}
}

// Spend charges d against the active caller budget.
func (m *Manager) Spend(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.budget == nil {
		return ErrNoCall
	}
	m.sess.budget.Spend(d)
	return nil
}

func (m *Manager) Budget() (BudgetState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.budget == nil {
		return BudgetState{}, false
	}
	return m.sess.budget.State(), true
}

func (m *Manager) State() Snapshot {
	m.mu.Lock()
	snap := Snapshot{State: m.state}
	if s := m.sess; s != nil {
		snap.Role = s.role
		snap.Channel = s.channel
		snap.Counterpart = s.counterpart
		snap.Reserved = s.reserved
		if s.budget != nil {
			b := s.budget.State()
			snap.Budget = &b
		}
	}
	m.mu.Unlock()
	snap.Signaling = m.opts.Signaling.State()
	snap.Media = m.opts.Media.State()
	return snap
}

func (m *Manager) SendChat(ctx context.Context, text string) (proto.ChatMessage, error) {
	return m.opts.Signaling.SendChat(ctx, text)
}

func (m *Manager) ChatLog() []proto.ChatMessage { return m.opts.Signaling.ChatLog() }

func (m *Manager) ToggleAudio() (bool, error) { return m.opts.Media.ToggleAudio() }

func (m *Manager) ToggleVideo() (bool, error) { return m.opts.Media.ToggleVideo() }
