// ABOUTME: Maps peer selections to server-assigned conversations behind a monotonic join token
// ABOUTME: Owns the session context; responses for superseded selections are discarded whole

package router

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/clinic-chat/internal/chat"
	"github.com/2389/clinic-chat/internal/protocol"
)

// Phase is the progress of the current selection.
type Phase int

const (
	// Idle means no selection is in progress or displayed.
	Idle Phase = iota
	// Joining means a join request is in flight.
	Joining
	// AwaitingHistory means the join was accepted and history is in flight.
	AwaitingHistory
	// Ready means the active conversation is hydrated.
	Ready
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case AwaitingHistory:
		return "awaiting_history"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// JoinToken identifies one peer selection. Tokens only ever increase.
type JoinToken uint64

// Router errors
var (
	ErrStaleResponse = errors.New("stale response")
	ErrEmptyPeer     = errors.New("peer id is required")
	ErrUnknownConv   = errors.New("unknown conversation")
)

// JoinError reports that the server rejected a join for the current selection.
type JoinError struct {
	PeerID  string
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("join %s rejected: %s", e.PeerID, e.Code)
	}
	return fmt.Sprintf("join %s rejected: %s: %s", e.PeerID, e.Code, e.Message)
}

// JoinRequest is the join a selection asks the caller to send.
type JoinRequest struct {
	Token  JoinToken
	SelfID string
	PeerID string
}

// Message builds the wire request.
func (r JoinRequest) Message() *protocol.JoinConversation {
	return &protocol.JoinConversation{
		BaseMessage: protocol.BaseMessage{Token: uint64(r.Token)},
		SelfID:      r.SelfID,
		PeerID:      r.PeerID,
	}
}

// Activation describes an accepted join. The caller clears the peer's
// unread bucket and sends the history request.
type Activation struct {
	Token          JoinToken
	PeerID         string
	ConversationID string
	SelfID         string
}

// HistoryRequest builds the wire request for the activated conversation.
func (a Activation) HistoryRequest() *protocol.GetHistory {
	return &protocol.GetHistory{
		BaseMessage:    protocol.BaseMessage{Token: uint64(a.Token)},
		ConversationID: a.ConversationID,
		SelfID:         a.SelfID,
	}
}

// View is read-only access to the session context.
type View interface {
	SelfID() string
	SelectedPeer() (chat.Peer, bool)
	Phase() Phase
	Token() JoinToken
	ActiveConversationID() string
	Active() (chat.Conversation, bool)
	IsActive(conversationID string) bool
	ConversationFor(peerID string) (chat.Conversation, bool)
}

// Context is the session context. Only the Router writes it.
type Context struct {
	selfID        string
	token         JoinToken
	phase         Phase
	selected      chat.Peer
	hasSelection  bool
	activeID      string
	conversations map[string]*chat.Conversation
	byPeer        map[string]string
}

// SelfID returns the local user's id.
func (c *Context) SelfID() string {
	return c.selfID
}

// SelectedPeer returns the most recent selection.
func (c *Context) SelectedPeer() (chat.Peer, bool) {
	return c.selected, c.hasSelection
}

// Phase returns the progress of the current selection.
func (c *Context) Phase() Phase {
	return c.phase
}

// Token returns the latest minted join token.
func (c *Context) Token() JoinToken {
	return c.token
}

// ActiveConversationID returns the active conversation id, or "" while
// loading or idle.
func (c *Context) ActiveConversationID() string {
	return c.activeID
}

// Active returns a copy of the active conversation.
func (c *Context) Active() (chat.Conversation, bool) {
	if c.activeID == "" {
		return chat.Conversation{}, false
	}
	conv, ok := c.conversations[c.activeID]
	if !ok {
		return chat.Conversation{}, false
	}
	return *conv, true
}

// IsActive reports whether conversationID is the active conversation.
func (c *Context) IsActive(conversationID string) bool {
	return conversationID != "" && conversationID == c.activeID
}

// ConversationFor returns a copy of the conversation joined with peerID.
func (c *Context) ConversationFor(peerID string) (chat.Conversation, bool) {
	id, ok := c.byPeer[peerID]
	if !ok {
		return chat.Conversation{}, false
	}
	return *c.conversations[id], true
}

// Router drives the selection state machine.
type Router struct {
	*Context
	logger *slog.Logger
}

// New creates a Router for selfID. Pass nil logger for default.
func New(selfID string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Context: &Context{
			selfID:        selfID,
			conversations: make(map[string]*chat.Conversation),
			byPeer:        make(map[string]string),
		},
		logger: logger.With("component", "router"),
	}
}

// View returns the read-only session context.
func (r *Router) View() View {
	return r.Context
}

// SelectPeer mints a new token, clears the active conversation to a loading
// state, and returns the join request to send.
func (r *Router) SelectPeer(peer chat.Peer) (JoinRequest, error) {
	if peer.ID == "" {
		return JoinRequest{}, ErrEmptyPeer
	}

	r.token++
	r.phase = Joining
	r.selected = peer
	r.hasSelection = true
	r.activeID = ""

	r.logger.Debug("peer selected", "peer_id", peer.ID, "token", r.token)
	return JoinRequest{Token: r.token, SelfID: r.selfID, PeerID: peer.ID}, nil
}

// AcceptJoin applies a conversation_joined response if it belongs to the
// latest selection. Otherwise it returns ErrStaleResponse and changes nothing.
func (r *Router) AcceptJoin(resp *protocol.ConversationJoined) (Activation, error) {
	if !r.currentJoin(JoinToken(resp.Token), resp.PeerID) || resp.ConversationID == "" {
		r.stale("conversation_joined", resp.Token, "peer_id", resp.PeerID)
		return Activation{}, ErrStaleResponse
	}

	conv, ok := r.conversations[resp.ConversationID]
	if !ok {
		conv = &chat.Conversation{ID: resp.ConversationID, PeerID: r.selected.ID, Log: chat.NewLog()}
		r.conversations[conv.ID] = conv
	}
	r.byPeer[r.selected.ID] = conv.ID
	r.activeID = conv.ID
	r.phase = AwaitingHistory

	r.logger.Info("conversation joined", "conversation_id", conv.ID, "peer_id", r.selected.ID, "token", r.token)
	return Activation{
		Token:          r.token,
		PeerID:         r.selected.ID,
		ConversationID: conv.ID,
		SelfID:         r.selfID,
	}, nil
}

// AcceptHistory hydrates the active conversation with history if the
// payload belongs to the latest selection.
func (r *Router) AcceptHistory(resp *protocol.HistoryPayload, history []chat.Message) error {
	current := r.phase == AwaitingHistory && resp.ConversationID == r.activeID
	if resp.Token != 0 && JoinToken(resp.Token) != r.token {
		current = false
	}
	if !current {
		r.stale("history_payload", resp.Token, "conversation_id", resp.ConversationID)
		return ErrStaleResponse
	}

	conv := r.conversations[r.activeID]
	conv.Log = chat.Hydrate(conv.Log, history)
	r.phase = Ready

	r.logger.Debug("history applied", "conversation_id", conv.ID, "messages", len(history), "log_len", conv.Log.Len())
	return nil
}

// RejectJoin converts a join_error for the latest selection into a
// *JoinError. The selection state is left untouched.
func (r *Router) RejectJoin(resp *protocol.JoinError) (*JoinError, error) {
	if !r.currentJoin(JoinToken(resp.Token), resp.PeerID) {
		r.stale("join_error", resp.Token, "peer_id", resp.PeerID)
		return nil, ErrStaleResponse
	}
	return &JoinError{PeerID: r.selected.ID, Code: resp.Code, Message: resp.Message}, nil
}

// Invalidate makes every in-flight join and history response inert. The
// selection must be redone to display a conversation again.
func (r *Router) Invalidate() {
	r.token++
	r.phase = Idle
	r.activeID = ""
	r.logger.Debug("selection invalidated", "token", r.token)
}

// Reset discards every conversation and the selection. The token keeps
// increasing so responses from before the reset stay stale.
func (r *Router) Reset() {
	r.Invalidate()
	r.selected = chat.Peer{}
	r.hasSelection = false
	r.conversations = make(map[string]*chat.Conversation)
	r.byPeer = make(map[string]string)
}

// ApplyLog replaces a conversation's log with fn's result.
func (r *Router) ApplyLog(conversationID string, fn func(chat.Log) chat.Log) (chat.Log, error) {
	conv, ok := r.conversations[conversationID]
	if !ok {
		return chat.Log{}, fmt.Errorf("%w: %s", ErrUnknownConv, conversationID)
	}
	conv.Log = fn(conv.Log)
	return conv.Log, nil
}

// Touch records activity on a conversation. Later times win.
func (r *Router) Touch(conversationID string, at time.Time) {
	if conv, ok := r.conversations[conversationID]; ok && at.After(conv.LastActivityAt) {
		conv.LastActivityAt = at
	}
}

// currentJoin reports whether a join response belongs to the latest
// selection. Responses without a token fall back to matching the selected
// peer while a join is pending.
func (r *Router) currentJoin(token JoinToken, peerID string) bool {
	if r.phase != Joining {
		return false
	}
	if token == 0 {
		return peerID == r.selected.ID
	}
	return token == r.token && (peerID == "" || peerID == r.selected.ID)
}

func (r *Router) stale(kind string, token uint64, args ...any) {
	attrs := append([]any{"type", kind, "token", token, "current", r.token}, args...)
	r.logger.Debug("discarding stale response", attrs...)
}
