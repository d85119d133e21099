package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MdnsTag = "hostline-mdns"

	// Prefix for pubsub topics backing lobby and call channels.
	TopicPrefix = "hostline/"

	// libp2p stream protocol ID for acked direct peer messages
	MQProtoID = "/hostline/mq/1.0.0"
)

// Host availability values carried on the wire.
const (
	StatusOnline    = "online"
	StatusAvailable = "available"
	StatusInCall    = "in_call"
	StatusOffline   = "offline"
)

// Lobby message types.
const (
	TypeStatus      = "status"       // full host record
	TypeQuery       = "query"        // ask every host to re-announce
	TypeStatusQuery = "status-query" // direct: ask one host to re-announce
	TypeNotify      = "notify"       // contact/notification event
)

// HostStatus is the full self record a host publishes on the lobby.
type HostStatus struct {
	HostID     string `json:"hostId"`
	Status     string `json:"status"`
	Active     bool   `json:"active"`
	InCall     bool   `json:"inCall,omitempty"`
	ChannelRef string `json:"channelRef,omitempty"`
	InCallWith string `json:"inCallWith,omitempty"`
}

// StatusDelta is a partial update merged onto the latest self record.
// Nil fields are left untouched.
type StatusDelta struct {
	Status     *string `json:"status,omitempty"`
	Active     *bool   `json:"active,omitempty"`
	InCall     *bool   `json:"inCall,omitempty"`
	ChannelRef *string `json:"channelRef,omitempty"`
	InCallWith *string `json:"inCallWith,omitempty"`
}

// Merge returns s with every non-nil field of d applied.
func (s HostStatus) Merge(d StatusDelta) HostStatus {
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.Active != nil {
		s.Active = *d.Active
	}
	if d.InCall != nil {
		s.InCall = *d.InCall
	}
	if d.ChannelRef != nil {
		s.ChannelRef = *d.ChannelRef
	}
	if d.InCallWith != nil {
		s.InCallWith = *d.InCallWith
	}
	return s
}

// ResetDelta clears the channel and reverts the host to plain online.
func ResetDelta() StatusDelta {
	return StatusDelta{
		Status:     String(StatusOnline),
		InCall:     Bool(false),
		ChannelRef: String(""),
		InCallWith: String(""),
	}
}

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }

// Notice is a contact/notification event relayed through the lobby.
type Notice struct {
	Kind string `json:"kind"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
}

// LobbyMsg is the envelope for everything sent on the lobby channel or
// directly between peers.
type LobbyMsg struct {
	Type   string      `json:"type"`
	From   string      `json:"from"`
	Status *HostStatus `json:"status,omitempty"`
	Notice *Notice     `json:"notice,omitempty"`
	TS     int64       `json:"ts"`
}

// Call channel signal types.
const (
	SigProfile   = "profile"
	SigChat      = "chat"
	SigJoined    = "joined"
	SigHostEnded = "host-ended"
	SigBye       = "bye"

	SigMediaReady  = "media-ready"
	SigMediaOffer  = "media-offer"
	SigMediaAnswer = "media-answer"
	SigMediaICE    = "media-ice"
)

// IsMediaSignal reports whether t belongs to media negotiation.
func IsMediaSignal(t string) bool {
	switch t {
	case SigMediaReady, SigMediaOffer, SigMediaAnswer, SigMediaICE:
		return true
	}
	return false
}

// Profile announces a participant on a call channel.
type Profile struct {
	Identity    string `json:"identity"`
	MediaID     string `json:"mediaId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// Signal is the envelope for call channel traffic.
type Signal struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Profile *Profile        `json:"profile,omitempty"`
	Chat    *ChatMessage    `json:"chat,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

func Encode(v any) ([]byte, error) { return json.Marshal(v) }

func DecodeLobby(b []byte) (LobbyMsg, error) {
	var m LobbyMsg
	if err := json.Unmarshal(b, &m); err != nil {
		return LobbyMsg{}, fmt.Errorf("decode lobby message: %w", err)
	}
	if m.Type == "" {
		return LobbyMsg{}, fmt.Errorf("decode lobby message: missing type")
	}
	return m, nil
}

func DecodeSignal(b []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if s.Type == "" {
		return Signal{}, fmt.Errorf("decode signal: missing type")
	}
	return s, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
