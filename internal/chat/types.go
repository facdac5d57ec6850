// ABOUTME: Core chat data types shared by every synchronization component
// ABOUTME: Defines Peer, Message with its Pending/Confirmed state, and Conversation

package chat

import (
	"time"

	"github.com/2389/clinic-chat/internal/protocol"
)

// Peer identifies the other party in a conversation.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Name returns the display name, falling back to the id.
func (p Peer) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// State is the delivery state of a message.
type State int

const (
	StatePending State = iota + 1
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation log.
//
// Key is the local key: the TempID while the message is Pending and the
// ServerID once it is Confirmed. A message is Confirmed at most once and
// its key never changes afterwards.
type Message struct {
	Key            string
	TempID         string
	ServerID       string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	CreatedAt      time.Time
	State          State
}

// Pending reports whether the message still awaits its confirmation.
func (m Message) Pending() bool {
	return m.State == StatePending
}

// PeerOf returns the counterpart of selfID in this message.
func (m Message) PeerOf(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// FromWire converts a server message into a Confirmed Message.
func FromWire(w protocol.WireMessage) Message {
	return Message{
		Key:            w.ID,
		TempID:         w.TempID,
		ServerID:       w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Body:           w.Body,
		CreatedAt:      w.Time(),
		State:          StateConfirmed,
	}
}

// FromWireList converts a history payload, preserving order.
func FromWireList(ws []protocol.WireMessage) []Message {
	out := make([]Message, 0, len(ws))
	for _, w := range ws {
		out = append(out, FromWire(w))
	}
	return out
}

// Conversation is a server-assigned channel between this client and one peer.
type Conversation struct {
	ID             string
	PeerID         string
	Log            Log
	LastActivityAt time.Time
}
