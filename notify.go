package chatsync

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Notification is what the engine tells its consumers after state changed.
type Notification interface {
	notification()
}

// TimelineChanged follows any mutation of the active timeline.
type TimelineChanged struct {
	ConversationID string
	Len            int
}

// TypingChanged carries the new typing set of the active conversation.
type TypingChanged struct {
	ConversationID string
	Users          []string
}

// SendFailed ties a persistent send failure to the optimistic entry.
type SendFailed struct {
	ConversationID string
	TempID         string
	Reason         string
}

// ConnectionChanged mirrors ConnectionManager state. Failed is true only once
// the reconnect budget is exhausted.
type ConnectionChanged struct {
	State   ConnState
	Attempt int
	Failed  bool
}

// AlertReceived forwards a system alert.
type AlertReceived struct {
	ConversationID string
	Level          string
	Message        string
}

// DecorativeTriggered passes a decorative payload through untouched.
type DecorativeTriggered struct {
	ConversationID string
	Payload        json.RawMessage
}

// UnreadChanged reports the unread counter of a background conversation.
type UnreadChanged struct {
	ConversationID string
	Count          int
}

// RosterChanged carries the new online roster.
type RosterChanged struct {
	Online []string
}

func (TimelineChanged) notification()     {}
func (TypingChanged) notification()       {}
func (SendFailed) notification()          {}
func (ConnectionChanged) notification()   {}
func (AlertReceived) notification()       {}
func (DecorativeTriggered) notification() {}
func (UnreadChanged) notification()       {}
func (RosterChanged) notification()       {}

// NotificationHandler receives engine notifications on the engine goroutine.
// Handlers must not block and must not call back into the engine
// synchronously.
type NotificationHandler func(Notification)

type subscriber struct {
	id int
	h  NotificationHandler
}

type emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
	log    *zap.Logger
}

func newEmitter(log *zap.Logger) *emitter {
	return &emitter{log: log}
}

// Subscribe registers h and returns a function that removes it.
func (e *emitter) Subscribe(h NotificationHandler) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber{id: id, h: h})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(n Notification) {
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("subscriber_panic", zap.Any("panic", r))
				}
			}()
			s.h(n)
		}()
	}
}
