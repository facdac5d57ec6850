// ABOUTME: JSON wire protocol spoken over the conversation channel
// ABOUTME: Typed messages share a BaseMessage header and dispatch on its type field

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types from client to server
const (
	TypeRegisterIdentity = "register_identity"
	TypeJoinConversation = "join_conversation"
	TypeGetHistory       = "get_history"
	TypeSendMessage      = "send_message"
)

// Message types from server to client
const (
	TypeIdentityRegistered   = "identity_registered"
	TypeConversationJoined   = "conversation_joined"
	TypeJoinError            = "join_error"
	TypeHistoryPayload       = "history_payload"
	TypeDeliveryConfirmation = "delivery_confirmation"
	TypeMessage              = "message"
	TypeError                = "error"
)

// Typing presence travels in both directions.
const (
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// Error codes carried by join_error and error messages
const (
	ErrorCodeUnknownPeer    = "unknown_peer"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeInternalError  = "internal_error"
)

// ErrUnknownType is returned by Decode for a type it does not recognize.
var ErrUnknownType = errors.New("unknown message type")

// Message is implemented by every typed protocol message.
type Message interface {
	Header() *BaseMessage
}

// BaseMessage contains common fields for all messages.
// Token echoes the join token of the selection a request was issued for;
// zero means the sender did not supply one.
type BaseMessage struct {
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Token uint64 `json:"token,omitempty"`
}

// Header returns the common header.
func (b *BaseMessage) Header() *BaseMessage {
	return b
}

// RegisterIdentity binds this connection to a user so the server can route to it.
type RegisterIdentity struct {
	BaseMessage
	SelfID string `json:"self_id"`
}

// IdentityRegistered acknowledges RegisterIdentity.
type IdentityRegistered struct {
	BaseMessage
	SelfID string `json:"self_id"`
}

// JoinConversation asks the server for the conversation between two users.
type JoinConversation struct {
	BaseMessage
	SelfID string `json:"self_id"`
	PeerID string `json:"peer_id"`
}

// ConversationJoined carries the server-assigned conversation id.
type ConversationJoined struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
	SelfID         string `json:"self_id"`
	PeerID         string `json:"peer_id"`
}

// JoinError reports a rejected join.
type JoinError struct {
	BaseMessage
	PeerID  string `json:"peer_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetHistory requests the stored messages of a conversation.
type GetHistory struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
	SelfID         string `json:"self_id"`
}

// HistoryPayload carries stored messages, oldest first.
type HistoryPayload struct {
	BaseMessage
	ConversationID string        `json:"conversation_id"`
	Messages       []WireMessage `json:"messages"`
}

// SendMessage submits a new message. TempID correlates the confirmation.
type SendMessage struct {
	BaseMessage
	SelfID         string `json:"self_id"`
	PeerID         string `json:"peer_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body"`
	TempID         string `json:"temp_id"`
}

// DeliveryConfirmation tells the sender which server id its message received.
type DeliveryConfirmation struct {
	BaseMessage
	TempID         string `json:"temp_id"`
	ServerID       string `json:"server_id"`
	ConversationID string `json:"conversation_id"`
}

// InboundMessage is a message delivered live to a participant.
type InboundMessage struct {
	BaseMessage
	Message WireMessage `json:"message"`
}

// TypingStart signals that a user started composing.
type TypingStart struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// TypingStop signals that a user stopped composing.
type TypingStop struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ErrorMessage is sent by the server when a request could not be handled.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WireMessage is a stored or live chat message as sent by the server.
// CreatedAt is unix milliseconds. TempID is present when the server relays
// the sender's correlation id.
type WireMessage struct {
	ID             string `json:"id"`
	TempID         string `json:"temp_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"`
}

// Time returns CreatedAt as a time.Time.
func (m WireMessage) Time() time.Time {
	if m.CreatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.CreatedAt)
}

// typeOf maps a concrete message to its wire type.
func typeOf(msg Message) string {
	switch msg.(type) {
	case *RegisterIdentity:
		return TypeRegisterIdentity
	case *IdentityRegistered:
		return TypeIdentityRegistered
	case *JoinConversation:
		return TypeJoinConversation
	case *ConversationJoined:
		return TypeConversationJoined
	case *JoinError:
		return TypeJoinError
	case *GetHistory:
		return TypeGetHistory
	case *HistoryPayload:
		return TypeHistoryPayload
	case *SendMessage:
		return TypeSendMessage
	case *DeliveryConfirmation:
		return TypeDeliveryConfirmation
	case *InboundMessage:
		return TypeMessage
	case *TypingStart:
		return TypeTypingStart
	case *TypingStop:
		return TypeTypingStop
	case *ErrorMessage:
		return TypeError
	default:
		return ""
	}
}

// Encode marshals a message, filling in its type and timestamp when unset.
func Encode(msg Message) ([]byte, error) {
	h := msg.Header()
	if h.Type == "" {
		h.Type = typeOf(msg)
		if h.Type == "" {
			return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
		}
	}
	if h.Ts == 0 {
		h.Ts = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

// Decode parses a frame into its typed message.
func Decode(data []byte) (Message, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}

	var msg Message
	switch base.Type {
	case TypeRegisterIdentity:
		msg = &RegisterIdentity{}
	case TypeIdentityRegistered:
		msg = &IdentityRegistered{}
	case TypeJoinConversation:
		msg = &JoinConversation{}
	case TypeConversationJoined:
		msg = &ConversationJoined{}
	case TypeJoinError:
		msg = &JoinError{}
	case TypeGetHistory:
		msg = &GetHistory{}
	case TypeHistoryPayload:
		msg = &HistoryPayload{}
	case TypeSendMessage:
		msg = &SendMessage{}
	case TypeDeliveryConfirmation:
		msg = &DeliveryConfirmation{}
	case TypeMessage:
		msg = &InboundMessage{}
	case TypeTypingStart:
		msg = &TypingStart{}
	case TypeTypingStop:
		msg = &TypingStop{}
	case TypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", base.Type, err)
	}
	return msg, nil
}
