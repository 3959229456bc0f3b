package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/raulk/clock"
	"go.uber.org/zap"
)

// Transport is the part of ConnectionManager the engine depends on. Tests
// substitute an in-memory fake.
type Transport interface {
	Send(ctx context.Context, eventType string, payload any) error
	Events() <-chan Event
	State() ConnState
}

// SendOptions carries the optional parts of a composed message.
type SendOptions struct {
	ReplyTo     string
	Attachments []Attachment
}

type outbound struct {
	cmd     string
	payload any
	tempID  string
}

type pageOutcome struct {
	res PageResult
	err error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the engine metrics sink.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock for every timer the engine owns.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// ============================================================================
// Engine
// ============================================================================

// Engine synchronizes one active conversation. Every component is owned by
// the goroutine running Run; public methods hand work to that goroutine and
// wait for the answer, so they are safe for concurrent use.
type Engine struct {
	conn    Transport
	api     RemoteAPI
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	clock   clock.Clock

	*emitter

	ops  chan func()
	outq chan outbound
	done chan struct{}
	once sync.Once

	// Owned by the Run goroutine.
	runCtx    context.Context
	conv      *Conversation
	connState ConnState
	outbox    []outbound
	overflow  []outbound
	store     *MessageStore
	reactions *ReactionAggregator
	typing    *PresenceTypingTracker
	cursor    *PaginationCursor
	router    *EventRouter
}

// New creates an engine on top of conn and api. Call Run to start it.
func New(conn Transport, api RemoteAPI, cfg Config, opts ...EngineOption) *Engine {
	cfg.defaults()
	e := &Engine{
		conn:  conn,
		api:   api,
		cfg:   cfg,
		log:   zap.NewNop(),
		clock: clock.New(),
		ops:   make(chan func(), 64),
		outq:  make(chan outbound, cfg.EventBuffer),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emitter = newEmitter(e.log)

	e.store = NewMessageStore(cfg, e.clock, func() { e.post(e.expirePending) })
	e.reactions = NewReactionAggregator(cfg.LocalUserID)
	e.typing = NewPresenceTypingTracker(cfg, e.clock, TypingHooks{
		RemoteExpired: func(conv string) { e.post(func() { e.sweepTyping(conv) }) },
		LocalIdle:     func(conv string) { e.post(func() { e.localIdle(conv) }) },
	})
	e.cursor = NewPaginationCursor(api, e.store, e.log, e.metrics)
	e.router = NewEventRouter(cfg.LocalUserID, e.store, e.reactions, e.typing, RouterHooks{
		Notify:          e.emit,
		Refetch:         e.refetch,
		ConnectionState: e.onConnState,
	}, e.log, e.metrics)
	return e
}

// Run processes inbound events and API calls until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.connState = e.conn.State()
	go e.writeLoop(ctx)

	defer e.once.Do(func() { close(e.done) })
	defer e.teardown()

	events := e.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.ops:
			fn()
		case ev := <-events:
			e.router.Dispatch(ev)
		}
	}
}

func (e *Engine) teardown() {
	if e.conv != nil {
		e.typing.ClearConversation(e.conv.ID)
	}
	e.store.Clear()
}

// ── Loop plumbing ────────────────────────────────────────

// post schedules fn on the loop from another goroutine. It never blocks past
// engine shutdown.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

func (e *Engine) exec(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.ops <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

func query[T any](ctx context.Context, e *Engine, fn func() T) (T, error) {
	var out T
	err := e.exec(ctx, func() error {
		out = fn()
		return nil
	})
	return out, err
}

// enqueue hands o to the writer. When the writer is backed up, commands wait
// in the overflow in order rather than being dropped.
func (e *Engine) enqueue(o outbound) {
	if len(e.overflow) == 0 {
		select {
		case e.outq <- o:
			return
		default:
			e.log.Warn("outbound_queue_full", zap.String("type", o.cmd))
		}
	}
	e.overflow = append(e.overflow, o)
	if len(e.overflow) == 1 {
		e.waitForRoom()
	}
}

// waitForRoom blocks a helper goroutine on the head of the overflow. The head
// stays in the slice until it is written so later commands queue behind it.
func (e *Engine) waitForRoom() {
	head, ctx := e.overflow[0], e.runCtx
	go func() {
		select {
		case e.outq <- head:
			e.post(e.drainOverflow)
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) drainOverflow() {
	e.overflow = e.overflow[1:]
	for len(e.overflow) > 0 {
		select {
		case e.outq <- e.overflow[0]:
			e.overflow = e.overflow[1:]
		default:
			e.waitForRoom()
			return
		}
	}
	e.overflow = nil
}

func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-e.outq:
			err := e.conn.Send(ctx, o.cmd, o.payload)
			if err == nil {
				continue
			}
			e.log.Warn("outbound_send_failed", zap.String("type", o.cmd), zap.Error(err))
			if o.tempID != "" {
				e.post(func() { e.requeue(o) })
			}
		}
	}
}

// requeue handles a message send that the transport refused. It is parked
// until the next reconnect, unless the connection already came back before
// the refusal reached the loop.
func (e *Engine) requeue(o outbound) {
	msg, ok := e.store.Get(o.tempID)
	if !ok || !msg.Optimistic || msg.Status != StatusPending {
		return
	}
	switch e.connState {
	case StateFailed:
		e.failSend(o.tempID, msg.ConversationID, "connection failed")
	case StateConnected:
		e.enqueue(o)
	default:
		e.outbox = append(e.outbox, o)
	}
}

func (e *Engine) queued(tempID string) bool {
	for _, o := range e.outbox {
		if o.tempID == tempID {
			return true
		}
	}
	return false
}

func (e *Engine) activeID() string {
	if e.conv == nil {
		return ""
	}
	return e.conv.ID
}

func (e *Engine) timelineChanged() {
	e.emit(TimelineChanged{ConversationID: e.activeID(), Len: e.store.Len()})
}

func (e *Engine) failSend(tempID, conversationID, reason string) {
	if !e.store.MarkFailed(tempID) {
		return
	}
	e.metrics.optimisticFailed()
	e.log.Info("send_failed", zap.String("temp_id", tempID), zap.String("reason", reason))
	e.emit(SendFailed{ConversationID: conversationID, TempID: tempID, Reason: reason})
	e.timelineChanged()
}

// ── Connection state ─────────────────────────────────────

func (e *Engine) onConnState(ev ConnectionStateChanged) {
	e.connState = ev.State
	e.emit(ConnectionChanged{State: ev.State, Attempt: ev.Attempt, Failed: ev.State == StateFailed})

	switch ev.State {
	case StateConnected:
		// Membership does not survive a reconnect.
		if e.conv != nil {
			e.enqueue(outbound{cmd: CmdJoinConversation, payload: e.membership()})
		}
		pending := e.outbox
		e.outbox = nil
		for _, o := range pending {
			if _, ok := e.store.MarkPending(o.tempID); !ok {
				continue
			}
			e.enqueue(o)
		}
		if len(pending) > 0 {
			e.log.Info("outbox_flushed", zap.Int("count", len(pending)))
		}
	case StateFailed:
		pending := e.outbox
		e.outbox = nil
		for _, o := range pending {
			if p, ok := o.payload.(SendMessagePayload); ok {
				e.failSend(o.tempID, p.ConversationID, "connection failed")
			}
		}
		e.log.Error("connection_failed", zap.String("reason", ev.Reason))
	}
}

func (e *Engine) membership() MembershipPayload {
	return MembershipPayload{
		UserID:         e.cfg.LocalUserID,
		ConversationID: e.conv.ID,
		Members:        e.conv.Members,
	}
}

// ── Timers ───────────────────────────────────────────────

func (e *Engine) expirePending() {
	hold := func(tempID string) bool {
		return e.connState != StateConnected && e.queued(tempID)
	}
	for _, m := range e.store.ExpirePending(e.clock.Now(), hold) {
		e.metrics.optimisticFailed()
		e.log.Info("send_unconfirmed", zap.String("temp_id", m.TempID))
		e.emit(SendFailed{ConversationID: m.ConversationID, TempID: m.TempID, Reason: "not confirmed in time"})
		e.timelineChanged()
	}
}

func (e *Engine) sweepTyping(conv string) {
	if e.typing.Sweep(conv) && conv == e.activeID() {
		e.emit(TypingChanged{ConversationID: conv, Users: e.typing.Typing(conv)})
	}
}

func (e *Engine) localIdle(conv string) {
	if conv != e.activeID() || !e.typing.LocalIdle(conv) {
		return
	}
	e.enqueue(outbound{cmd: CmdTypingStop, payload: TypingPayload{ConversationID: conv, Members: e.conv.Members}})
}

// ── Pagination ───────────────────────────────────────────

// loadPage begins the next page request and completes it on the loop once
// the fetch returns. The outcome is delivered on out.
func (e *Engine) loadPage(out chan<- pageOutcome) error {
	t, err := e.cursor.Begin(e.activeID())
	if err != nil {
		return err
	}
	ctx := e.runCtx
	go func() {
		page, ferr := e.cursor.Fetch(ctx, t)
		e.post(func() {
			res, err := e.cursor.Complete(t, page, ferr)
			if err == nil && t.ConversationID == e.activeID() && page != nil {
				e.applyPage(page, res.Items)
			}
			if out != nil {
				out <- pageOutcome{res: res, err: err}
			}
		})
	}()
	return nil
}

// applyPage seeds reactions of new entries and carries server-side edits and
// deletes of entries that were already present.
func (e *Engine) applyPage(page *HistoryPage, added []Message) {
	for _, m := range added {
		e.reactions.Seed(m)
	}
	for _, m := range page.Messages {
		if m.DeletedAt != nil {
			e.store.ApplyDelete(m.ID, *m.DeletedAt)
		}
		if m.EditedAt != nil {
			e.store.ApplyEdit(m.ID, m.Content, *m.EditedAt)
		}
	}
	if len(added) > 0 {
		e.timelineChanged()
	}
}

func (e *Engine) refetch(conv string) {
	e.log.Debug("refetch_hint", zap.String("conversation_id", conv))
	e.cursor.Reset(conv)
	if err := e.loadPage(nil); err != nil {
		e.log.Warn("refetch_failed", zap.Error(err))
	}
}

func (e *Engine) awaitPage(ctx context.Context, out <-chan pageOutcome) (PageResult, error) {
	select {
	case o := <-out:
		return o.res, o.err
	case <-ctx.Done():
		return PageResult{}, ctx.Err()
	case <-e.done:
		return PageResult{}, ErrEngineStopped
	}
}

// ============================================================================
// Conversation lifecycle
// ============================================================================

// Open makes conv the active conversation and waits for its first page. The
// previous conversation is left and all of its state, timers included, is
// discarded. Late page responses for it are dropped.
func (e *Engine) Open(ctx context.Context, conv Conversation) (PageResult, error) {
	if conv.ID == "" {
		return PageResult{}, ErrNoConversation
	}
	out := make(chan pageOutcome, 1)
	same := false
	err := e.exec(ctx, func() error {
		if e.conv != nil && e.conv.ID == conv.ID {
			same = true
			return nil
		}
		e.leave()
		c := conv
		c.Members = append([]string(nil), conv.Members...)
		e.conv = &c
		e.cursor.Reset(c.ID)
		e.router.SetActive(c.ID)
		e.enqueue(outbound{cmd: CmdJoinConversation, payload: e.membership()})
		e.log.Info("conversation_opened", zap.String("conversation_id", c.ID))
		e.timelineChanged()
		return e.loadPage(out)
	})
	if err != nil || same {
		return PageResult{}, err
	}
	return e.awaitPage(ctx, out)
}

// Close leaves the active conversation, if any.
func (e *Engine) Close(ctx context.Context) error {
	return e.exec(ctx, func() error {
		e.leave()
		return nil
	})
}

func (e *Engine) leave() {
	if e.conv == nil {
		return
	}
	prev := e.conv
	e.enqueue(outbound{cmd: CmdLeaveConversation, payload: e.membership()})
	e.typing.ClearConversation(prev.ID)
	e.store.Clear()
	e.reactions.Clear()
	e.cursor.Reset("")
	e.router.SetActive("")
	e.conv = nil
	e.log.Info("conversation_closed", zap.String("conversation_id", prev.ID))
}

// LoadOlder fetches and merges the next page of history.
func (e *Engine) LoadOlder(ctx context.Context) (PageResult, error) {
	out := make(chan pageOutcome, 1)
	if err := e.exec(ctx, func() error { return e.loadPage(out) }); err != nil {
		return PageResult{}, err
	}
	return e.awaitPage(ctx, out)
}

// ============================================================================
// Actions
// ============================================================================

// Send inserts an optimistic entry and transmits the message. It returns the
// temporary id. While the connection is down the send is queued and flushed
// on reconnect; once the connection has failed the entry is marked failed.
func (e *Engine) Send(ctx context.Context, content string, opts SendOptions) (string, error) {
	var tempID string
	err := e.exec(ctx, func() error {
		if e.conv == nil {
			return ErrNoConversation
		}
		if err := e.store.ValidateReplyTarget(opts.ReplyTo); err != nil {
			return err
		}
		conv := e.conv
		tempID = e.store.AppendOptimistic(Draft{
			ConversationID: conv.ID,
			SenderID:       e.cfg.LocalUserID,
			Content:        content,
			Attachments:    opts.Attachments,
			ReplyTo:        opts.ReplyTo,
		})
		if e.typing.StopLocal(conv.ID) {
			e.enqueue(outbound{cmd: CmdTypingStop, payload: TypingPayload{ConversationID: conv.ID, Members: conv.Members}})
		}
		e.timelineChanged()
		e.dispatchSend(outbound{
			cmd: CmdSendMessage,
			payload: SendMessagePayload{
				ConversationID: conv.ID,
				Members:        conv.Members,
				Content:        content,
				Attachments:    opts.Attachments,
				ReplyTo:        opts.ReplyTo,
				ClientID:       tempID,
			},
			tempID: tempID,
		})
		return nil
	})
	return tempID, err
}

func (e *Engine) dispatchSend(o outbound) {
	switch e.connState {
	case StateConnected:
		e.enqueue(o)
	case StateFailed:
		e.failSend(o.tempID, e.activeID(), "connection failed")
	default:
		e.outbox = append(e.outbox, o)
	}
}

// Retry re-sends a failed optimistic entry. The entry keeps its timeline
// position.
func (e *Engine) Retry(ctx context.Context, tempID string) error {
	return e.exec(ctx, func() error {
		if e.conv == nil {
			return ErrNoConversation
		}
		msg, ok := e.store.Get(tempID)
		if !ok || !msg.Optimistic {
			return ErrUnknownMessage
		}
		if e.queued(tempID) {
			return nil
		}
		if _, ok := e.store.MarkPending(tempID); !ok {
			return ErrUnknownMessage
		}
		e.timelineChanged()
		e.dispatchSend(outbound{
			cmd: CmdSendMessage,
			payload: SendMessagePayload{
				ConversationID: msg.ConversationID,
				Members:        e.conv.Members,
				Content:        msg.Content,
				Attachments:    msg.Attachments,
				ReplyTo:        msg.ReplyTo,
				ClientID:       tempID,
			},
			tempID: tempID,
		})
		return nil
	})
}

// Delete soft-deletes a message the local user authored, within the
// deletion window. The server call runs on the caller's goroutine.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	err := e.exec(ctx, func() error {
		if e.conv == nil {
			return ErrNoConversation
		}
		return e.store.CheckDelete(messageID, e.cfg.LocalUserID, e.clock.Now())
	})
	if err != nil {
		return err
	}
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	return e.exec(ctx, func() error {
		if e.store.ApplyDelete(messageID, e.clock.Now()) {
			e.timelineChanged()
		}
		return nil
	})
}

// ToggleReaction adds or removes the local user's emoji on a message. The
// change is applied locally first and reverted if the server refuses it.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, emoji string) (added bool, err error) {
	user := e.cfg.LocalUserID
	err = e.exec(ctx, func() error {
		if e.conv == nil {
			return ErrNoConversation
		}
		msg, ok := e.store.Get(messageID)
		if !ok {
			return ErrUnknownMessage
		}
		if msg.Optimistic {
			return ErrNotConfirmed
		}
		added = e.reactions.Toggle(messageID, emoji, user)
		e.timelineChanged()
		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		err = e.api.AddReaction(ctx, messageID, emoji)
	} else {
		err = e.api.RemoveReaction(ctx, messageID, emoji)
	}
	if err == nil {
		return added, nil
	}

	e.post(func() {
		if added {
			e.reactions.RemoveReaction(messageID, emoji, user)
		} else {
			e.reactions.AddReaction(messageID, emoji, user)
		}
		e.timelineChanged()
	})
	return !added, fmt.Errorf("reaction %s on %s: %w", emoji, messageID, err)
}

// Keystroke records local input in the active conversation and emits
// typing-start/typing-stop with a one-interval debounce.
func (e *Engine) Keystroke(ctx context.Context) error {
	return e.exec(ctx, func() error {
		if e.conv == nil {
			return ErrNoConversation
		}
		if e.typing.Keystroke(e.conv.ID) == CmdTypingStart {
			e.enqueue(outbound{cmd: CmdTypingStart, payload: TypingPayload{ConversationID: e.conv.ID, Members: e.conv.Members}})
		}
		return nil
	})
}

// Resume forwards an application resume to the transport when it supports
// liveness checks.
func (e *Engine) Resume(ctx context.Context) error {
	if r, ok := e.conn.(interface{ Resume(context.Context) error }); ok {
		return r.Resume(ctx)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Timeline returns the active timeline with current reactions attached.
func (e *Engine) Timeline(ctx context.Context) ([]Message, error) {
	return query(ctx, e, func() []Message {
		msgs := e.store.Snapshot()
		for i := range msgs {
			if msgs[i].ID != "" {
				msgs[i].Reactions = e.reactions.Raw(msgs[i].ID)
			}
		}
		return msgs
	})
}

// Typing lists remote users typing in the active conversation.
func (e *Engine) Typing(ctx context.Context) ([]string, error) {
	return query(ctx, e, func() []string { return e.typing.Typing(e.activeID()) })
}

// Reactions returns the grouped reactions of a message.
func (e *Engine) Reactions(ctx context.Context, messageID string) ([]ReactionGroup, error) {
	return query(ctx, e, func() []ReactionGroup { return e.reactions.GroupedFor(messageID) })
}

// Unread returns the unread counter of a background conversation.
func (e *Engine) Unread(ctx context.Context, conversationID string) (int, error) {
	return query(ctx, e, func() int { return e.router.Unread(conversationID) })
}

// Pagination returns the cursor state of the active conversation.
func (e *Engine) Pagination(ctx context.Context) (PaginationState, error) {
	return query(ctx, e, func() PaginationState { return e.cursor.State() })
}

// Online returns the last presence roster.
func (e *Engine) Online(ctx context.Context) ([]string, error) {
	return query(ctx, e, func() []string { return e.typing.Roster() })
}

// Active returns the active conversation, or nil.
func (e *Engine) Active(ctx context.Context) (*Conversation, error) {
	return query(ctx, e, func() *Conversation {
		if e.conv == nil {
			return nil
		}
		c := *e.conv
		c.Members = append([]string(nil), e.conv.Members...)
		return &c
	})
}

// Subscribe registers h for notifications and returns an unsubscribe func.
func (e *Engine) Subscribe(h NotificationHandler) func() {
	return e.emitter.Subscribe(h)
}
