package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotConnected        = errors.New("chatsync: not connected")
	ErrNoConversation      = errors.New("chatsync: no active conversation")
	ErrInvalidReplyTarget  = errors.New("chatsync: reply target is not a confirmed message")
	ErrDeleteWindowExpired = errors.New("chatsync: message can no longer be deleted")
	ErrNotAuthor           = errors.New("chatsync: only the author can delete a message")
	ErrUnknownMessage      = errors.New("chatsync: message not in timeline")
	ErrNotConfirmed        = errors.New("chatsync: message has no server id yet")
	ErrNoMorePages         = errors.New("chatsync: no more pages")
	ErrFetchInFlight       = errors.New("chatsync: page fetch already in flight")
	ErrEngineStopped       = errors.New("chatsync: engine stopped")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the unit the engine synchronizes. Members are ordered as
// the server returned them and are echoed on join/leave/send commands.
type Conversation struct {
	ID         string   `json:"id"`
	Members    []string `json:"members"`
	IsGroup    bool     `json:"isGroup"`
	Background string   `json:"background,omitempty"`
}

// ============================================================================
// Message
// ============================================================================

// MessageStatus tracks where a timeline entry is in its delivery lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Attachment references an already-uploaded file.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one timeline entry. Confirmed messages carry a server ID;
// optimistic ones carry only a TempID until reconciled.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	Optimistic     bool          `json:"isOptimistic,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Key returns the identifier the timeline knows this message by.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Deleted reports whether the message carries a soft-delete marker.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

func (m Message) clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return c
}

// Draft is what a compose action hands to the store before anything is sent.
type Draft struct {
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	ReplyTo        string
}

// ============================================================================
// Reactions
// ============================================================================

// Reaction is one (user, emoji) pair on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// ReactionGroup is the aggregated view of one emoji on a message.
type ReactionGroup struct {
	Emoji             string   `json:"emoji"`
	Count             int      `json:"count"`
	Users             []string `json:"users"`
	IncludesLocalUser bool     `json:"includesLocalUser"`
}

// ============================================================================
// Pagination
// ============================================================================

// PaginationState is the cursor position for the active conversation.
type PaginationState struct {
	Page       int  `json:"page"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// HistoryPage is one response of the historical messages endpoint.
// Page 1 is the most recent page; messages inside a page are chronological.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	TotalPages int       `json:"totalPages"`
}

// PageResult is what a merge of one page produced.
type PageResult struct {
	Items   []Message
	HasMore bool
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the envelope every REST endpoint answers with.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
