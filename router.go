package chatsync

import (
	"go.uber.org/zap"
)

// Routing scopes, used as a metrics label.
const (
	scopeActive     = "active"
	scopeBackground = "background"
	scopeGlobal     = "global"
	scopeIgnored    = "ignored"
)

// RouterHooks receive what the router cannot apply itself.
type RouterHooks struct {
	Notify          func(Notification)
	Refetch         func(conversationID string)
	ConnectionState func(ConnectionStateChanged)
}

// EventRouter is the single dispatch point for inbound events. Events for
// the active conversation mutate the timeline, reactions and typing state.
// Events for any other conversation only bump a per-conversation unread
// counter.
type EventRouter struct {
	localUserID string
	active      string

	store     *MessageStore
	reactions *ReactionAggregator
	typing    *PresenceTypingTracker
	hooks     RouterHooks

	unread  map[string]int
	log     *zap.Logger
	metrics *Metrics
}

// NewEventRouter wires a router to the components it feeds.
func NewEventRouter(localUserID string, store *MessageStore, reactions *ReactionAggregator, typing *PresenceTypingTracker, hooks RouterHooks, log *zap.Logger, m *Metrics) *EventRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventRouter{
		localUserID: localUserID,
		store:       store,
		reactions:   reactions,
		typing:      typing,
		hooks:       hooks,
		unread:      make(map[string]int),
		log:         log,
		metrics:     m,
	}
}

// SetActive changes the conversation whose events reach the timeline.
func (r *EventRouter) SetActive(conversationID string) {
	r.active = conversationID
	if conversationID != "" {
		r.MarkRead(conversationID)
	}
}

// Active returns the active conversation id.
func (r *EventRouter) Active() string {
	return r.active
}

// Unread returns the unread counter of conversationID.
func (r *EventRouter) Unread(conversationID string) int {
	return r.unread[conversationID]
}

// MarkRead resets the unread counter of conversationID.
func (r *EventRouter) MarkRead(conversationID string) {
	delete(r.unread, conversationID)
}

func (r *EventRouter) notify(n Notification) {
	if r.hooks.Notify != nil {
		r.hooks.Notify(n)
	}
}

func (r *EventRouter) timelineChanged() {
	r.notify(TimelineChanged{ConversationID: r.active, Len: r.store.Len()})
}

func (r *EventRouter) typingChanged(conversationID string) {
	r.notify(TypingChanged{ConversationID: conversationID, Users: r.typing.Typing(conversationID)})
}

// inScope reports whether an event tagged with conversationID belongs to the
// active conversation. Events without a conversation id are matched by
// looking the message up in the timeline.
func (r *EventRouter) inScope(conversationID, messageID string) bool {
	if r.active == "" {
		return false
	}
	if conversationID != "" {
		return conversationID == r.active
	}
	_, ok := r.store.Get(messageID)
	return ok
}

// Dispatch routes one event. It reports the scope the event was handled in.
func (r *EventRouter) Dispatch(ev Event) string {
	scope := r.dispatch(ev)
	r.metrics.eventRouted(ev.EventType(), scope)
	return scope
}

func (r *EventRouter) dispatch(ev Event) string {
	switch e := ev.(type) {
	case MessageNew:
		conv := e.ConversationID
		if conv == "" {
			conv = e.Message.ConversationID
		}
		if conv == "" || conv != r.active {
			if conv == "" || e.Message.SenderID == r.localUserID {
				return scopeIgnored
			}
			r.unread[conv]++
			r.notify(UnreadChanged{ConversationID: conv, Count: r.unread[conv]})
			return scopeBackground
		}
		msg := e.Message
		if msg.ConversationID == "" {
			msg.ConversationID = conv
		}
		// A repeat delivery must not bring back reactions removed since.
		_, seen := r.store.Get(msg.ID)
		stored, reconciled := r.store.Reconcile(msg)
		if reconciled {
			r.metrics.reconciled()
		}
		if !seen {
			r.reactions.Seed(stored)
		}
		if r.typing.StopTyping(conv, msg.SenderID) {
			r.typingChanged(conv)
		}
		r.timelineChanged()
		return scopeActive

	case TypingStarted:
		if e.ConversationID != r.active || r.active == "" || e.UserID == r.localUserID {
			return scopeIgnored
		}
		if r.typing.StartTyping(e.ConversationID, e.UserID) {
			r.typingChanged(e.ConversationID)
		}
		return scopeActive

	case TypingStopped:
		if e.ConversationID != r.active || r.active == "" {
			return scopeIgnored
		}
		if r.typing.StopTyping(e.ConversationID, e.UserID) {
			r.typingChanged(e.ConversationID)
		}
		return scopeActive

	case ReactionAdded:
		if !r.inScope(e.ConversationID, e.MessageID) {
			return scopeIgnored
		}
		if r.reactions.AddReaction(e.MessageID, e.Reaction.Emoji, e.Reaction.UserID) {
			r.timelineChanged()
		}
		return scopeActive

	case ReactionRemoved:
		if !r.inScope(e.ConversationID, e.MessageID) {
			return scopeIgnored
		}
		if r.reactions.RemoveReaction(e.MessageID, e.Emoji, e.UserID) {
			r.timelineChanged()
		}
		return scopeActive

	case MessageDeleted:
		if !r.inScope(e.ConversationID, e.MessageID) {
			return scopeIgnored
		}
		if r.store.ApplyDelete(e.MessageID, e.DeletedAt) {
			r.timelineChanged()
		}
		return scopeActive

	case MessageEdited:
		if !r.inScope(e.ConversationID, e.MessageID) {
			return scopeIgnored
		}
		if r.store.ApplyEdit(e.MessageID, e.Content, e.EditedAt) {
			r.timelineChanged()
		}
		return scopeActive

	case RefetchHint:
		if e.ConversationID != r.active || r.active == "" {
			return scopeIgnored
		}
		if r.hooks.Refetch != nil {
			r.hooks.Refetch(e.ConversationID)
		}
		return scopeActive

	case DecorativeTrigger:
		if e.ConversationID != r.active || r.active == "" {
			return scopeIgnored
		}
		r.notify(DecorativeTriggered{ConversationID: e.ConversationID, Payload: e.Payload})
		return scopeActive

	case SystemAlert:
		if e.ConversationID != "" && e.ConversationID != r.active {
			return scopeIgnored
		}
		r.notify(AlertReceived{ConversationID: e.ConversationID, Level: e.Level, Message: e.Message})
		if e.ConversationID == "" {
			return scopeGlobal
		}
		return scopeActive

	case PresenceRoster:
		r.typing.SetRoster(e.OnlineUserIDs)
		r.notify(RosterChanged{Online: r.typing.Roster()})
		return scopeGlobal

	case ConnectionStateChanged:
		if r.hooks.ConnectionState != nil {
			r.hooks.ConnectionState(e)
		}
		return scopeGlobal

	default:
		r.log.Debug("event_ignored", zap.String("type", ev.EventType()))
		return scopeIgnored
	}
}
