// Package media owns the media session lifecycle: local device acquisition,
// the media transport join/leave, and remote publish bookkeeping.
package media

import (
	"context"

	"github.com/petervdpas/hostline/internal/proto"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local capture track.
type Track interface {
	ID() string
	Kind() Kind
	Close() error
}

type Constraints struct {
	Audio bool
	Video bool
}

// Source opens local capture devices.
type Source interface {
	Acquire(ctx context.Context, c Constraints) ([]Track, error)
}

// Mode selects how the transport treats the local participant.
type Mode string

const (
	ModeCall Mode = "call" // two-way
	ModeLive Mode = "live" // receive only
)

type JoinParams struct {
	AppID    string
	Channel  string
	Token    string
	Identity string
	Mode     Mode
}

type EventType string

const (
	PeerPublished   EventType = "peer-published"
	PeerUnpublished EventType = "peer-unpublished"
	PeerLeft        EventType = "peer-left"
)

type Event struct {
	Type EventType
	Peer string // remote media id
	Kind Kind   // empty for PeerLeft
}

// Transport is the media plane. Implementations normalize their native
// callbacks into Events.
type Transport interface {
	Join(ctx context.Context, p JoinParams) error
	Leave(ctx context.Context) error
	Publish(ctx context.Context, tracks []Track) error
	Subscribe(ctx context.Context, peer string, kind Kind) error
	SetMuted(kind Kind, muted bool) error
	Events() <-chan Event
}

// Signaler carries media negotiation over the call channel.
type Signaler interface {
	Identity() string
	SendSignal(ctx context.Context, sig proto.Signal) error
	MediaSignals() (<-chan proto.Signal, func())
}
