// Package mq implements acked direct peer messages on /hostline/mq/1.0.0.
// Wire format: newline-delimited JSON on a libp2p stream.
package mq

import "encoding/json"

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string          `json:"type"`    // "msg"
	ID      string          `json:"id"`      // uuid4
	Seq     int64           `json:"seq"`     // monotonic counter per sender
	Topic   string          `json:"topic"`   // e.g. "lobby", "notify"
	Payload json.RawMessage `json:"payload"` // opaque to mq
}

// MQAck is the wire type for a transport ACK.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}
