package chatsync

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
)

// TempIDPrefix marks identifiers assigned locally to optimistic entries.
const TempIDPrefix = "temp-"

// IsTempID reports whether id was assigned by AppendOptimistic.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ============================================================================
// Reconciliation matcher
// ============================================================================

// MatchOptimistic decides whether inbound is the server-confirmed copy of the
// optimistic entry opt.
//
// An echoed client id is authoritative in both directions. Without one, the
// sender must be the same, the content or the reply target must be equal, and
// the two creation times must be at most window apart.
func MatchOptimistic(opt, inbound Message, window time.Duration) bool {
	if !opt.Optimistic {
		return false
	}
	if opt.ConversationID != "" && inbound.ConversationID != "" && opt.ConversationID != inbound.ConversationID {
		return false
	}
	if inbound.ClientID != "" {
		return inbound.ClientID == opt.TempID
	}
	if opt.SenderID != inbound.SenderID {
		return false
	}
	sameContent := opt.Content == inbound.Content
	sameReply := opt.ReplyTo != "" && opt.ReplyTo == inbound.ReplyTo
	if !sameContent && !sameReply {
		return false
	}
	d := inbound.CreatedAt.Sub(opt.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ============================================================================
// MessageStore
// ============================================================================

type entry struct {
	msg Message
	seq uint64
	// slot is the ordering key. It is fixed at insertion so a reconciled
	// entry keeps its position even if the server timestamp differs.
	slot time.Time
}

// MessageStore is the ordered timeline of the active conversation.
//
// Entries are ordered by the time they entered the store, not strictly by
// CreatedAt. A confirmed send keeps the local timestamp of its optimistic
// placeholder, so with client clock skew Snapshot can differ from a
// CreatedAt sort.
//
// It is not safe for concurrent use; the Engine owns it from a single
// goroutine.
type MessageStore struct {
	reconcileWindow time.Duration
	pendingTimeout  time.Duration
	deleteWindow    time.Duration

	clock     clock.Clock
	onTimeout func()

	entries []*entry
	byKey   map[string]*entry
	seq     uint64
	timers  map[string]*clock.Timer
}

// NewMessageStore creates an empty timeline. onTimeout, if set, is invoked
// from a timer goroutine whenever a pending entry may have outlived
// PendingTimeout; the owner is expected to call ExpirePending on its own
// goroutine in response.
func NewMessageStore(cfg Config, clk clock.Clock, onTimeout func()) *MessageStore {
	cfg.defaults()
	if clk == nil {
		clk = clock.New()
	}
	return &MessageStore{
		reconcileWindow: cfg.ReconcileWindow,
		pendingTimeout:  cfg.PendingTimeout,
		deleteWindow:    cfg.DeleteWindow,
		clock:           clk,
		onTimeout:       onTimeout,
		byKey:           make(map[string]*entry),
		timers:          make(map[string]*clock.Timer),
	}
}

// ── Queries ──────────────────────────────────────────────

// Len returns the number of timeline entries, deleted ones included.
func (s *MessageStore) Len() int {
	return len(s.entries)
}

// Get returns the entry known by a server or temporary id.
func (s *MessageStore) Get(key string) (Message, bool) {
	e, ok := s.byKey[key]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Snapshot returns a copy of the timeline in display order.
func (s *MessageStore) Snapshot() []Message {
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.clone()
	}
	return out
}

// Pending returns the optimistic entries still awaiting confirmation, in
// insertion order.
func (s *MessageStore) Pending() []Message {
	var es []*entry
	for _, e := range s.entries {
		if e.msg.Optimistic && e.msg.Status == StatusPending {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	out := make([]Message, len(es))
	for i, e := range es {
		out[i] = e.msg.clone()
	}
	return out
}

// ── Optimistic writes ────────────────────────────────────

// AppendOptimistic inserts a draft at the tail of the timeline and returns
// its temporary id.
func (s *MessageStore) AppendOptimistic(d Draft) string {
	now := s.clock.Now()
	slot := now
	if n := len(s.entries); n > 0 && s.entries[n-1].slot.After(slot) {
		slot = s.entries[n-1].slot
	}

	tempID := TempIDPrefix + uuid.NewString()
	s.seq++
	e := &entry{
		msg: Message{
			TempID:         tempID,
			ClientID:       tempID,
			ConversationID: d.ConversationID,
			SenderID:       d.SenderID,
			Content:        d.Content,
			Attachments:    append([]Attachment(nil), d.Attachments...),
			ReplyTo:        d.ReplyTo,
			CreatedAt:      now,
			Optimistic:     true,
			Status:         StatusPending,
		},
		seq:  s.seq,
		slot: slot,
	}
	s.entries = append(s.entries, e)
	s.byKey[tempID] = e
	s.armTimer(tempID)
	return tempID
}

// Reconcile applies a server-confirmed message. A matching optimistic entry
// is replaced in place; otherwise the message is inserted as new. Delivering
// the same confirmed message again changes nothing.
func (s *MessageStore) Reconcile(in Message) (msg Message, reconciled bool) {
	if in.ID == "" {
		return Message{}, false
	}
	if e, ok := s.byKey[in.ID]; ok {
		return e.msg.clone(), false
	}

	if e := s.findOptimistic(in); e != nil {
		s.confirm(e, in)
		return e.msg.clone(), true
	}

	e := s.insertLive(in)
	return e.msg.clone(), false
}

// findOptimistic returns the earliest-inserted optimistic entry matching in.
func (s *MessageStore) findOptimistic(in Message) *entry {
	var best *entry
	for _, e := range s.entries {
		if !MatchOptimistic(e.msg, in, s.reconcileWindow) {
			continue
		}
		if best == nil || e.seq < best.seq {
			best = e
		}
	}
	return best
}

func (s *MessageStore) confirm(e *entry, in Message) {
	tempID := e.msg.TempID
	s.stopTimer(tempID)
	delete(s.byKey, tempID)

	c := in.clone()
	c.TempID = tempID
	c.Optimistic = false
	c.Status = StatusConfirmed
	if c.ConversationID == "" {
		c.ConversationID = e.msg.ConversationID
	}
	e.msg = c
	s.byKey[c.ID] = e
}

func (s *MessageStore) insertLive(in Message) *entry {
	c := in.clone()
	c.Optimistic = false
	if c.Status == "" {
		c.Status = StatusConfirmed
	}
	s.seq++
	e := &entry{msg: c, seq: s.seq, slot: c.CreatedAt}
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].slot.After(e.slot)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.byKey[c.ID] = e
	return e
}

// MergeOlder merges one page of history. Ids already present keep their
// live copy; items confirming a pending optimistic entry reconcile it.
// Existing entries never change relative order. It returns the entries that
// were added.
func (s *MessageStore) MergeOlder(page []Message) []Message {
	var fresh []*entry
	var added []Message
	seen := make(map[string]bool, len(page))
	for _, m := range page {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if _, ok := s.byKey[m.ID]; ok {
			continue
		}
		if e := s.findOptimistic(m); e != nil {
			s.confirm(e, m)
			continue
		}
		c := m.clone()
		c.Optimistic = false
		c.Status = StatusConfirmed
		s.seq++
		fresh = append(fresh, &entry{msg: c, seq: s.seq, slot: c.CreatedAt})
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].slot.Before(fresh[j].slot) })

	// Page items precede live items with the same timestamp.
	merged := make([]*entry, 0, len(s.entries)+len(fresh))
	i, j := 0, 0
	for i < len(fresh) && j < len(s.entries) {
		if !fresh[i].slot.After(s.entries[j].slot) {
			merged = append(merged, fresh[i])
			i++
		} else {
			merged = append(merged, s.entries[j])
			j++
		}
	}
	merged = append(merged, fresh[i:]...)
	merged = append(merged, s.entries[j:]...)
	s.entries = merged

	for _, e := range fresh {
		s.byKey[e.msg.ID] = e
		added = append(added, e.msg.clone())
	}
	return added
}

// ── Failure and retry ────────────────────────────────────

// ExpirePending marks every pending entry older than PendingTimeout as
// failed and returns them. Entries for which hold returns true are left
// pending; hold may be nil.
func (s *MessageStore) ExpirePending(now time.Time, hold func(tempID string) bool) []Message {
	var failed []Message
	for _, e := range s.entries {
		if !e.msg.Optimistic || e.msg.Status != StatusPending {
			continue
		}
		if now.Sub(e.msg.CreatedAt) < s.pendingTimeout {
			continue
		}
		if hold != nil && hold(e.msg.TempID) {
			continue
		}
		e.msg.Status = StatusFailed
		s.stopTimer(e.msg.TempID)
		failed = append(failed, e.msg.clone())
	}
	return failed
}

// MarkFailed flags a pending optimistic entry as failed.
func (s *MessageStore) MarkFailed(tempID string) bool {
	e, ok := s.byKey[tempID]
	if !ok || !e.msg.Optimistic || e.msg.Status == StatusFailed {
		return false
	}
	e.msg.Status = StatusFailed
	s.stopTimer(tempID)
	return true
}

// MarkPending puts a failed entry back to pending for a retry. The entry keeps
// its slot; its pending deadline restarts from now.
func (s *MessageStore) MarkPending(tempID string) (Message, bool) {
	e, ok := s.byKey[tempID]
	if !ok || !e.msg.Optimistic {
		return Message{}, false
	}
	e.msg.Status = StatusPending
	e.msg.CreatedAt = s.clock.Now()
	s.armTimer(tempID)
	return e.msg.clone(), true
}

func (s *MessageStore) armTimer(tempID string) {
	s.stopTimer(tempID)
	if s.onTimeout == nil {
		return
	}
	cb := s.onTimeout
	s.timers[tempID] = s.clock.AfterFunc(s.pendingTimeout, cb)
}

func (s *MessageStore) stopTimer(tempID string) {
	if t, ok := s.timers[tempID]; ok {
		t.Stop()
		delete(s.timers, tempID)
	}
}

// ── Deletes, edits, replies ──────────────────────────────

// CheckDelete applies the local deletion affordance rule: only the author may
// delete, and only within DeleteWindow of creation. The server enforces the
// same rule authoritatively.
func (s *MessageStore) CheckDelete(id, localUserID string, now time.Time) error {
	e, ok := s.byKey[id]
	if !ok {
		return ErrUnknownMessage
	}
	if e.msg.Optimistic {
		return ErrNotConfirmed
	}
	if e.msg.SenderID != localUserID {
		return ErrNotAuthor
	}
	if now.Sub(e.msg.CreatedAt) > s.deleteWindow {
		return ErrDeleteWindowExpired
	}
	return nil
}

// ApplyDelete soft-deletes a message. It reports whether anything changed.
func (s *MessageStore) ApplyDelete(id string, at time.Time) bool {
	e, ok := s.byKey[id]
	if !ok || e.msg.DeletedAt != nil {
		return false
	}
	t := at
	e.msg.DeletedAt = &t
	return true
}

// ApplyEdit replaces the content of a confirmed message. Edits older than the
// last applied one are ignored.
func (s *MessageStore) ApplyEdit(id, content string, at time.Time) bool {
	e, ok := s.byKey[id]
	if !ok || e.msg.Optimistic {
		return false
	}
	if e.msg.EditedAt != nil && at.Before(*e.msg.EditedAt) {
		return false
	}
	t := at
	e.msg.Content = content
	e.msg.EditedAt = &t
	return true
}

// ValidateReplyTarget rejects reply references that have no server id. Ids
// not present in the timeline are accepted: they may belong to history that
// has not been paged in yet.
func (s *MessageStore) ValidateReplyTarget(id string) error {
	if id == "" {
		return nil
	}
	if IsTempID(id) {
		return ErrInvalidReplyTarget
	}
	if e, ok := s.byKey[id]; ok && (e.msg.Optimistic || e.msg.ID == "") {
		return ErrInvalidReplyTarget
	}
	return nil
}

// ResolveReply returns the message m replies to, if it is in the timeline.
func (s *MessageStore) ResolveReply(m Message) (Message, bool) {
	if m.ReplyTo == "" {
		return Message{}, false
	}
	return s.Get(m.ReplyTo)
}

// Clear empties the timeline and cancels every pending timer.
func (s *MessageStore) Clear() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.entries = nil
	s.byKey = make(map[string]*entry)
}
