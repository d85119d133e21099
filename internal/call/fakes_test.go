package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/hostline/internal/admission"
	"github.com/petervdpas/hostline/internal/callchan"
	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/media"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/token"
)

type fakeAdmission struct {
	mu         sync.Mutex
	outcomes   map[string]admission.Outcome
	reserveErr error
	// lostReply grants the reservation and then reports an error.
	lostReply  error
	releaseErr error
	attempts   []string
	releases   []string
	reserved   map[string]string
	opened     map[string]bool
	closed     map[string]admission.HostStatus
}

func newFakeAdmission() *fakeAdmission {
	return &fakeAdmission{
		outcomes: map[string]admission.Outcome{},
		reserved: map[string]string{},
		opened:   map[string]bool{},
		closed:   map[string]admission.HostStatus{},
	}
}

func (f *fakeAdmission) Reserve(_ context.Context, channelID, callerID string) (admission.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, channelID)
	if f.reserveErr != nil {
		return admission.Result{}, f.reserveErr
	}
	out, ok := f.outcomes[channelID]
	if !ok {
		out = admission.Granted
	}
	if out == admission.Granted {
		f.reserved[channelID] = callerID
		if f.lostReply != nil {
			return admission.Result{}, f.lostReply
		}
		return admission.Result{Outcome: out, SessionID: "s-" + channelID}, nil
	}
	return admission.Result{Outcome: out}, nil
}

func (f *fakeAdmission) Release(_ context.Context, channelID, callerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, channelID+"/"+callerID)
	if f.reserved[channelID] == callerID {
		delete(f.reserved, channelID)
	}
	return f.releaseErr
}

func (f *fakeAdmission) OpenHostChannel(_ context.Context, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[channelID] = true
	return nil
}

func (f *fakeAdmission) CloseHostChannel(_ context.Context, channelID string, status admission.HostStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.opened, channelID)
	f.closed[channelID] = status
	return nil
}

func (f *fakeAdmission) held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserved)
}

func (f *fakeAdmission) releaseList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}

func (f *fakeAdmission) attemptList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTokens) Token(_ context.Context, kind token.Kind, identity, channel string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return string(kind) + ":" + identity + ":" + channel, nil
}

type fakeSignaling struct {
	mu        sync.Mutex
	id        string
	joined    bool
	channel   string
	joinErr   error
	leaveErr  error
	joinBlock chan struct{}

	profileErr     error
	profileBlock   bool
	profileWaiting bool
	roleCh         chan proto.Profile

	joinedSent int
	hostEnded  int
	leaves     int
	events     chan callchan.Event
}

func newFakeSignaling(id string) *fakeSignaling {
	return &fakeSignaling{id: id, events: make(chan callchan.Event, 16)}
}

func (f *fakeSignaling) Identity() string { return f.id }

func (f *fakeSignaling) Join(_ context.Context, name, _ string) error {
	f.mu.Lock()
	block := f.joinBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = true
	f.channel = name
	return nil
}

func (f *fakeSignaling) Leave(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	f.channel = ""
	f.leaves++
	return f.leaveErr
}

func (f *fakeSignaling) WaitForProfile(ctx context.Context, identity string) (proto.Profile, error) {
	f.mu.Lock()
	block, err := f.profileBlock, f.profileErr
	f.profileWaiting = block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return proto.Profile{}, ctx.Err()
	}
	if err != nil {
		return proto.Profile{}, err
	}
	return proto.Profile{Identity: identity, MediaID: identity, Role: config.RoleHost}, nil
}

func (f *fakeSignaling) WaitForRole(ctx context.Context, role string) (proto.Profile, error) {
	select {
	case p := <-f.roleCh:
		return p, nil
	case <-ctx.Done():
		return proto.Profile{}, ctx.Err()
	}
}

func (f *fakeSignaling) SendJoined(context.Context) error {
	f.mu.Lock()
	f.joinedSent++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) SendHostEnded(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.joined {
		return callchan.ErrNotJoined
	}
	f.hostEnded++
	return nil
}

func (f *fakeSignaling) SendChat(_ context.Context, text string) (proto.ChatMessage, error) {
	return proto.ChatMessage{From: f.id, Text: text}, nil
}

func (f *fakeSignaling) ChatLog() []proto.ChatMessage  { return nil }
func (f *fakeSignaling) Events() <-chan callchan.Event { return f.events }

func (f *fakeSignaling) State() callchan.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return callchan.Session{Channel: f.channel, Joined: f.joined}
}

func (f *fakeSignaling) waiting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileWaiting
}

func (f *fakeSignaling) isJoined() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined
}

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	joinErr    error
	leaveErr   error
	acquired   bool
	joined     bool
	req        media.JoinRequest
	leaves     int
}

func (f *fakeMedia) AcquireLocalMedia(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = true
	return nil
}

func (f *fakeMedia) Join(_ context.Context, req media.JoinRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = true
	f.req = req
	return nil
}

func (f *fakeMedia) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	f.acquired = false
	f.leaves++
	return f.leaveErr
}

func (f *fakeMedia) Joined() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined
}

func (f *fakeMedia) SuppressVanish(time.Duration) {}
func (f *fakeMedia) ToggleAudio() (bool, error)   { return true, nil }
func (f *fakeMedia) ToggleVideo() (bool, error)   { return true, nil }

func (f *fakeMedia) State() media.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return media.State{Joined: f.joined}
}

func (f *fakeMedia) request() media.JoinRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

type fakeLobby struct {
	mu     sync.Mutex
	self   proto.HostStatus
	deltas int
}

func (f *fakeLobby) BroadcastSelfStatus(_ context.Context, d proto.StatusDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.self = f.self.Merge(d)
	f.deltas++
	return nil
}

func (f *fakeLobby) current() proto.HostStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

var errBoom = errors.New("boom")
