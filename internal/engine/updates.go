// ABOUTME: Derived, already-reconciled updates the engine publishes to observers
// ABOUTME: Snapshot is the read-only view of engine state after the last processed event

package engine

import (
	"fmt"

	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/presence"
	"github.com/2389/clinic-chat/internal/router"
	"github.com/2389/clinic-chat/internal/session"
)

// Kind identifies an Update.
type Kind int

const (
	ConversationLoading Kind = iota + 1
	ConversationActive
	JoinFailed
	LogChanged
	UnreadChanged
	ActivityChanged
	TypingChanged
	ConnectionChanged
)

func (k Kind) String() string {
	switch k {
	case ConversationLoading:
		return "conversation_loading"
	case ConversationActive:
		return "conversation_active"
	case JoinFailed:
		return "join_failed"
	case LogChanged:
		return "log_changed"
	case UnreadChanged:
		return "unread_changed"
	case ActivityChanged:
		return "activity_changed"
	case TypingChanged:
		return "typing_changed"
	case ConnectionChanged:
		return "connection_changed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Update is one derived change. Only the fields relevant to Kind are set.
type Update struct {
	Kind           Kind
	PeerID         string
	ConversationID string

	// LogChanged, ConversationActive
	Messages       []chat.Message
	ScrollToLatest bool

	// UnreadChanged
	Unread map[string]int

	// ActivityChanged
	Peers []chat.Peer

	// TypingChanged
	Typing []presence.TypingSignal

	// ConnectionChanged
	Connection session.State

	// JoinFailed, ConnectionChanged
	Err error
}

// Snapshot is a copy of engine state. It is never mutated after publication.
type Snapshot struct {
	Connection     session.State
	Phase          router.Phase
	SelectedPeer   chat.Peer
	ConversationID string
	Messages       []chat.Message
	Unread         map[string]int
	Peers          []chat.Peer
	Typing         []presence.TypingSignal
}

// PendingCount returns how many messages in the active log await confirmation.
func (s Snapshot) PendingCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Pending() {
			n++
		}
	}
	return n
}
