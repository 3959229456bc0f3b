package chatsync

import (
	"sort"
	"time"

	"github.com/raulk/clock"
)

// TypingHooks are invoked from timer goroutines. The owner of the tracker
// is expected to hop back onto its own goroutine and call Sweep or
// LocalIdle there.
type TypingHooks struct {
	RemoteExpired func(conversationID string)
	LocalIdle     func(conversationID string)
}

type typingEntry struct {
	deadline time.Time
	timer    *clock.Timer
}

type localTyping struct {
	active bool
	last   time.Time
	timer  *clock.Timer
}

// PresenceTypingTracker holds short-lived presence: remote typing users per
// conversation, the local user's own typing debounce and the online roster.
//
// Expiry is evaluated against the clock on every read, so a lost
// typing-stop heals even if a timer callback is never processed. Timers only
// exist to tell the owner that something changed.
type PresenceTypingTracker struct {
	expiry   time.Duration
	debounce time.Duration
	clock    clock.Clock
	hooks    TypingHooks

	remote map[string]map[string]*typingEntry
	local  map[string]*localTyping
	online map[string]struct{}
}

// NewPresenceTypingTracker creates an empty tracker.
func NewPresenceTypingTracker(cfg Config, clk clock.Clock, hooks TypingHooks) *PresenceTypingTracker {
	cfg.defaults()
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceTypingTracker{
		expiry:   cfg.TypingExpiry,
		debounce: cfg.TypingDebounce,
		clock:    clk,
		hooks:    hooks,
		remote:   make(map[string]map[string]*typingEntry),
		local:    make(map[string]*localTyping),
		online:   make(map[string]struct{}),
	}
}

// ── Remote typing ────────────────────────────────────────

// StartTyping marks userID typing in conversationID and restarts its expiry.
// It reports whether the user was not already shown as typing.
func (t *PresenceTypingTracker) StartTyping(conversationID, userID string) bool {
	users := t.remote[conversationID]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.remote[conversationID] = users
	}
	now := t.clock.Now()
	e, ok := users[userID]
	wasTyping := ok && now.Before(e.deadline)
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	e = &typingEntry{deadline: now.Add(t.expiry)}
	if cb := t.hooks.RemoteExpired; cb != nil {
		e.timer = t.clock.AfterFunc(t.expiry, func() { cb(conversationID) })
	}
	users[userID] = e
	return !wasTyping
}

// StopTyping clears userID immediately. It reports whether anything changed.
func (t *PresenceTypingTracker) StopTyping(conversationID, userID string) bool {
	users := t.remote[conversationID]
	e, ok := users[userID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	return t.clock.Now().Before(e.deadline)
}

// Typing lists the users currently typing in conversationID, sorted.
func (t *PresenceTypingTracker) Typing(conversationID string) []string {
	now := t.clock.Now()
	var out []string
	for user, e := range t.remote[conversationID] {
		if now.Before(e.deadline) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether userID is typing in conversationID.
func (t *PresenceTypingTracker) IsTyping(conversationID, userID string) bool {
	e, ok := t.remote[conversationID][userID]
	return ok && t.clock.Now().Before(e.deadline)
}

// Sweep evicts expired entries for conversationID and reports whether any
// were removed.
func (t *PresenceTypingTracker) Sweep(conversationID string) bool {
	now := t.clock.Now()
	users := t.remote[conversationID]
	removed := false
	for user, e := range users {
		if !now.Before(e.deadline) {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(users, user)
			removed = true
		}
	}
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	return removed
}

// ── Local typing debounce ────────────────────────────────

// Keystroke records local input. It returns CmdTypingStart when the local
// user goes from idle to typing and "" otherwise. A typing-stop is due once
// LocalIdle reports true.
func (t *PresenceTypingTracker) Keystroke(conversationID string) string {
	l := t.local[conversationID]
	if l == nil {
		l = &localTyping{}
		t.local[conversationID] = l
	}
	l.last = t.clock.Now()
	if l.timer != nil {
		l.timer.Stop()
	}
	if cb := t.hooks.LocalIdle; cb != nil {
		l.timer = t.clock.AfterFunc(t.debounce, func() { cb(conversationID) })
	}
	if l.active {
		return ""
	}
	l.active = true
	return CmdTypingStart
}

// LocalIdle reports whether the local user just went idle in conversationID,
// i.e. was typing and has not typed for the debounce interval. A true result
// means a typing-stop should be sent.
func (t *PresenceTypingTracker) LocalIdle(conversationID string) bool {
	l := t.local[conversationID]
	if l == nil || !l.active {
		return false
	}
	if t.clock.Now().Sub(l.last) < t.debounce {
		return false
	}
	l.active = false
	l.timer = nil
	return true
}

// StopLocal ends local typing immediately, e.g. when the message is sent.
// It reports whether a typing-stop should be sent.
func (t *PresenceTypingTracker) StopLocal(conversationID string) bool {
	l := t.local[conversationID]
	if l == nil {
		return false
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	delete(t.local, conversationID)
	return l.active
}

// ── Roster ───────────────────────────────────────────────

// SetRoster replaces the set of online users.
func (t *PresenceTypingTracker) SetRoster(userIDs []string) {
	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		t.online[id] = struct{}{}
	}
}

// Online reports whether userID is in the last roster.
func (t *PresenceTypingTracker) Online(userID string) bool {
	_, ok := t.online[userID]
	return ok
}

// Roster returns the online users, sorted.
func (t *PresenceTypingTracker) Roster() []string {
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ── Teardown ─────────────────────────────────────────────

// ClearConversation cancels every timer held for conversationID and forgets
// its typing state. The roster is process-wide and survives.
func (t *PresenceTypingTracker) ClearConversation(conversationID string) {
	for _, e := range t.remote[conversationID] {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	delete(t.remote, conversationID)
	t.StopLocal(conversationID)
}

// Timers returns the number of live timers, for leak checks.
func (t *PresenceTypingTracker) Timers() int {
	n := 0
	for _, users := range t.remote {
		for _, e := range users {
			if e.timer != nil {
				n++
			}
		}
	}
	for _, l := range t.local {
		if l.timer != nil {
			n++
		}
	}
	return n
}
