package admission

import (
	"context"
	"errors"
	"time"
)

// HostStatus is the lifecycle state of a host channel as the backend sees it.
type HostStatus string

const (
	HostOpen     HostStatus = "open"
	HostFinished HostStatus = "finished"
	HostClosed   HostStatus = "closed"
)

func (s HostStatus) Terminal() bool { return s == HostFinished || s == HostClosed }

var ErrHostNotFound = errors.New("admission: host channel not found")

// HostChannel is the live record a host opens when it starts accepting callers.
type HostChannel struct {
	ChannelID    string     `json:"channel_id"`
	HostID       string     `json:"host_id"`
	Status       HostStatus `json:"status"`
	PairedCaller string     `json:"paired_caller,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Backend is the durable host-channel table the gate re-verifies against.
type Backend interface {
	// OpenHostChannel creates or reopens channelID for hostID with no caller.
	OpenHostChannel(ctx context.Context, channelID, hostID string) error
	// LookupHost reads the current record. ErrHostNotFound when absent.
	LookupHost(ctx context.Context, channelID string) (HostChannel, error)
	// AttachCaller pairs callerID with an open channel. Pairing the same
	// caller twice keeps the original session id. A channel that is not open
	// or already paired with someone else is left untouched.
	AttachCaller(ctx context.Context, channelID, callerID, sessionID string) error
	// DetachCaller clears the pairing if it still names callerID.
	DetachCaller(ctx context.Context, channelID, callerID string) error
	CloseHostChannel(ctx context.Context, channelID string, status HostStatus) error
}
