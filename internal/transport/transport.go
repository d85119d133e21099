// Package transport defines the messaging surface the lobby and call channel
// clients are built on. Implementations normalize their native callbacks into
// Event values so the clients never depend on a concrete SDK.
package transport

import (
	"context"
	"errors"
)

type EventKind string

const (
	EventMessage      EventKind = "message"
	EventMemberJoined EventKind = "member_joined"
	EventMemberLeft   EventKind = "member_left"
)

type Event struct {
	Kind    EventKind
	Channel string // empty for direct peer messages
	From    string
	Data    []byte
}

type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

var (
	ErrNotLoggedIn = errors.New("transport: not logged in")
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Messaging is a best-effort pub/sub transport with direct peer messages.
type Messaging interface {
	// Login authenticates identity. Must be called before Join or SendToPeer.
	Login(ctx context.Context, identity, token string) error
	Identity() string

	// Join creates the named channel if needed and attaches to it.
	Join(ctx context.Context, name string) (Channel, error)

	SendToPeer(ctx context.Context, peer string, payload []byte) error
	PeerMessages() <-chan Event
	ConnectionStates() <-chan ConnState
}

// Channel is one attached broadcast channel. Own messages are not echoed.
type Channel interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
	// Members returns the live membership, including the local identity.
	Members(ctx context.Context) ([]string, error)
	Events() <-chan Event
	// Leave detaches; Events is closed afterwards.
	Leave(ctx context.Context) error
}
