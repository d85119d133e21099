package call

import (
	"context"
	"time"

	"github.com/petervdpas/hostline/internal/admission"
	"github.com/petervdpas/hostline/internal/callchan"
	"github.com/petervdpas/hostline/internal/media"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/token"
)

// State is the orchestrator's position in the call lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateSelectingHost    State = "selecting_host"
	StateAdmitting        State = "admitting"
	StateJoiningSignaling State = "joining_signaling"
	StateAwaitingProfile  State = "awaiting_counterpart_profile"
	StateJoiningMedia     State = "joining_media"
	StateInCall           State = "in_call"
	StateTearingDown      State = "tearing_down"
)

type EventType string

const (
	EventSetupProgress EventType = "setup-progress"
	EventInCall        EventType = "in-call"
	EventEnded         EventType = "ended"
)

// Reasons carried by EventEnded besides error kinds.
const (
	ReasonUser           = "user"
	ReasonHostEnded      = "host_ended"
	ReasonCounterpartBye = "counterpart_left"
	ReasonVanished       = "counterpart_vanished"
	ReasonCancelled      = "cancelled"
)

type Event struct {
	Type        EventType `json:"type"`
	State       State     `json:"state"`
	Role        string    `json:"role,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Counterpart string    `json:"counterpart,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Kind        Kind      `json:"kind,omitempty"`
	Notice      string    `json:"notice,omitempty"`
	At          time.Time `json:"at"`
}

// Admission is the gate as the orchestrator uses it.
type Admission interface {
	Reserve(ctx context.Context, channelID, callerID string) (admission.Result, error)
	Release(ctx context.Context, channelID, callerID string) error
	OpenHostChannel(ctx context.Context, channelID, hostID string) error
	CloseHostChannel(ctx context.Context, channelID string, status admission.HostStatus) error
}

// Tokens hands out a fresh media credential per join.
type Tokens interface {
	Token(ctx context.Context, kind token.Kind, identity, channel string) (string, error)
}

// Signaling is the call channel client.
type Signaling interface {
	Identity() string
	Join(ctx context.Context, name, role string) error
	Leave(ctx context.Context) error
	WaitForProfile(ctx context.Context, identity string) (proto.Profile, error)
	WaitForRole(ctx context.Context, role string) (proto.Profile, error)
	SendJoined(ctx context.Context) error
	SendHostEnded(ctx context.Context) error
	SendChat(ctx context.Context, text string) (proto.ChatMessage, error)
	ChatLog() []proto.ChatMessage
	Events() <-chan callchan.Event
	State() callchan.Session
}

// Media is the media session manager.
type Media interface {
	AcquireLocalMedia(ctx context.Context) error
	Join(ctx context.Context, req media.JoinRequest) error
	Leave(ctx context.Context) error
	Joined() bool
	SuppressVanish(d time.Duration)
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	State() media.State
}

// Lobby publishes the local host record.
type Lobby interface {
	BroadcastSelfStatus(ctx context.Context, delta proto.StatusDelta) error
}

// Snapshot is the orchestrator state exposed to the UI layer.
type Snapshot struct {
	State       State            `json:"state"`
	Role        string           `json:"role,omitempty"`
	Channel     string           `json:"channel,omitempty"`
	Counterpart string           `json:"counterpart,omitempty"`
	Reserved    bool             `json:"reserved"`
	Budget      *BudgetState     `json:"budget,omitempty"`
	Signaling   callchan.Session `json:"signaling"`
	Media       media.State      `json:"media"`
}
