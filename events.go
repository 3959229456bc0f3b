package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Wire names
// ============================================================================

// Inbound event types.
const (
	EventNewMessage      = "new-message"
	EventTypingStart     = "typing-start"
	EventTypingStop      = "typing-stop"
	EventReactionAdded   = "reaction-added"
	EventReactionRemoved = "reaction-removed"
	EventRefetchHint     = "conversation-refetch-hint"
	EventDecorative      = "decorative-trigger"
	EventPresenceRoster  = "presence-roster"
	EventSystemAlert     = "system-alert"
	EventMessageDeleted  = "message-deleted"
	EventMessageEdited   = "message-edited"
	EventPong            = "pong"
)

// Outbound command types.
const (
	CmdJoinConversation  = "join-conversation"
	CmdLeaveConversation = "leave-conversation"
	CmdSendMessage       = "send-message"
	CmdTypingStart       = "typing-start"
	CmdTypingStop        = "typing-stop"
	CmdPing              = "ping"
)

// Envelope is the wire format for everything on the socket, both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ============================================================================
// Inbound events
// ============================================================================

// Event is the closed set of inbound events the engine understands. The
// EventRouter switches over the concrete types below; anything the decoder
// does not recognise arrives as UnknownEvent and is ignored.
type Event interface {
	EventType() string
}

// MessageNew carries a confirmed message pushed by the server.
type MessageNew struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingStarted signals that a remote user started (or keeps) typing.
type TypingStarted struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// TypingStopped signals that a remote user stopped typing.
type TypingStopped struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ReactionAdded is a reaction placed on a message.
type ReactionAdded struct {
	ConversationID string   `json:"conversationId,omitempty"`
	MessageID      string   `json:"messageId"`
	Reaction       Reaction `json:"reaction"`
}

// ReactionRemoved is a reaction taken back.
type ReactionRemoved struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// RefetchHint asks the client to reload a conversation from the server.
type RefetchHint struct {
	ConversationID string `json:"conversationId"`
}

// DecorativeTrigger is passed through untouched to decorative renderers.
type DecorativeTrigger struct {
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
}

// PresenceRoster replaces the set of online users.
type PresenceRoster struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// SystemAlert is a server notice; ConversationID is empty for global alerts.
type SystemAlert struct {
	ConversationID string `json:"conversationId,omitempty"`
	Level          string `json:"level,omitempty"`
	Message        string `json:"message"`
}

// MessageDeleted is an authoritative soft-delete from the server.
type MessageDeleted struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// MessageEdited is an authoritative edit from the server.
type MessageEdited struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

// Pong answers a ping command.
type Pong struct {
	RequestID string `json:"requestId"`
}

// ConnectionStateChanged is emitted by the ConnectionManager itself, never
// decoded from the wire.
type ConnectionStateChanged struct {
	State   ConnState
	Attempt int
	Reason  string
}

// UnknownEvent is any envelope with a type this version does not know.
type UnknownEvent struct {
	Type    string
	Payload json.RawMessage
}

func (MessageNew) EventType() string             { return EventNewMessage }
func (TypingStarted) EventType() string          { return EventTypingStart }
func (TypingStopped) EventType() string          { return EventTypingStop }
func (ReactionAdded) EventType() string          { return EventReactionAdded }
func (ReactionRemoved) EventType() string        { return EventReactionRemoved }
func (RefetchHint) EventType() string            { return EventRefetchHint }
func (DecorativeTrigger) EventType() string      { return EventDecorative }
func (PresenceRoster) EventType() string         { return EventPresenceRoster }
func (SystemAlert) EventType() string            { return EventSystemAlert }
func (MessageDeleted) EventType() string         { return EventMessageDeleted }
func (MessageEdited) EventType() string          { return EventMessageEdited }
func (Pong) EventType() string                   { return EventPong }
func (ConnectionStateChanged) EventType() string { return "connection-state" }
func (e UnknownEvent) EventType() string         { return e.Type }

// DecodeEvent parses one socket frame into a typed event.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return decodePayload(env)
}

func decodePayload(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventNewMessage:
		ev, err = unmarshalAs[MessageNew](env.Payload)
	case EventTypingStart:
		ev, err = unmarshalAs[TypingStarted](env.Payload)
	case EventTypingStop:
		ev, err = unmarshalAs[TypingStopped](env.Payload)
	case EventReactionAdded:
		ev, err = unmarshalAs[ReactionAdded](env.Payload)
	case EventReactionRemoved:
		ev, err = unmarshalAs[ReactionRemoved](env.Payload)
	case EventRefetchHint:
		ev, err = unmarshalAs[RefetchHint](env.Payload)
	case EventDecorative:
		ev, err = unmarshalAs[DecorativeTrigger](env.Payload)
	case EventPresenceRoster:
		ev, err = unmarshalAs[PresenceRoster](env.Payload)
	case EventSystemAlert:
		ev, err = unmarshalAs[SystemAlert](env.Payload)
	case EventMessageDeleted:
		ev, err = unmarshalAs[MessageDeleted](env.Payload)
	case EventMessageEdited:
		ev, err = unmarshalAs[MessageEdited](env.Payload)
	case EventPong:
		var p Pong
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.Type, err)
			}
		}
		if p.RequestID == "" {
			p.RequestID = env.RequestID
		}
		return p, nil
	default:
		return UnknownEvent{Type: env.Type, Payload: env.Payload}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func unmarshalAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ============================================================================
// Outbound commands
// ============================================================================

// MembershipPayload announces joining or leaving a conversation.
type MembershipPayload struct {
	UserID         string   `json:"userId"`
	ConversationID string   `json:"conversationId"`
	Members        []string `json:"members"`
}

// SendMessagePayload transmits a composed message. ClientID carries the
// temporary id so servers that echo it allow an exact reconciliation match.
type SendMessagePayload struct {
	ConversationID string       `json:"conversationId"`
	Members        []string     `json:"members"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	ClientID       string       `json:"clientId,omitempty"`
}

// TypingPayload announces local typing state.
type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	Members        []string `json:"members"`
}
