package chatsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PageMerger folds one page of older history into a timeline and returns the
// entries it actually added. *MessageStore implements it.
type PageMerger interface {
	MergeOlder(page []Message) []Message
}

// PageTicket identifies one in-flight page request. A ticket issued before
// the last Reset is stale and its response is discarded.
type PageTicket struct {
	ConversationID string
	Page           int
	generation     uint64
}

// PaginationCursor walks a conversation's history backward from the most
// recent page. Pages are 1-indexed and requested strictly in order, one at a
// time.
//
// The cursor is split in two phases, Begin and Complete, so the fetch itself
// can run off the owner's goroutine. LoadNextPage runs both phases inline.
type PaginationCursor struct {
	fetcher HistoryFetcher
	merger  PageMerger
	log     *zap.Logger
	metrics *Metrics

	conversationID string
	page           int // next page to request
	totalPages     int
	hasMore        bool
	loaded         bool
	inFlight       bool
	generation     uint64
}

// NewPaginationCursor creates a cursor with no active conversation.
func NewPaginationCursor(fetcher HistoryFetcher, merger PageMerger, log *zap.Logger, m *Metrics) *PaginationCursor {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaginationCursor{
		fetcher: fetcher,
		merger:  merger,
		log:     log,
		metrics: m,
		page:    1,
	}
}

// Reset points the cursor at page 1 of conversationID and clears HasMore.
// Any request begun before Reset becomes stale.
func (c *PaginationCursor) Reset(conversationID string) {
	c.conversationID = conversationID
	c.page = 1
	c.totalPages = 0
	c.hasMore = false
	c.loaded = false
	c.inFlight = false
	c.generation++
}

// State reports the cursor position. Page is the next page to request.
func (c *PaginationCursor) State() PaginationState {
	return PaginationState{Page: c.page, TotalPages: c.totalPages, HasMore: c.hasMore}
}

// ConversationID returns the conversation the cursor is attached to.
func (c *PaginationCursor) ConversationID() string {
	return c.conversationID
}

// Begin reserves the next page for conversationID.
func (c *PaginationCursor) Begin(conversationID string) (PageTicket, error) {
	if conversationID == "" || conversationID != c.conversationID {
		return PageTicket{}, ErrNoConversation
	}
	if c.inFlight {
		return PageTicket{}, ErrFetchInFlight
	}
	if c.loaded && !c.hasMore {
		return PageTicket{}, ErrNoMorePages
	}
	c.inFlight = true
	return PageTicket{ConversationID: conversationID, Page: c.page, generation: c.generation}, nil
}

// Complete applies the outcome of a request started with Begin. A stale
// ticket is dropped without touching the timeline. A failed fetch releases
// the page so it can be requested again.
func (c *PaginationCursor) Complete(t PageTicket, resp *HistoryPage, fetchErr error) (PageResult, error) {
	if t.generation != c.generation || t.ConversationID != c.conversationID {
		c.metrics.stalePage()
		c.log.Debug("page_discarded",
			zap.String("conversation_id", t.ConversationID),
			zap.Int("page", t.Page),
		)
		return PageResult{HasMore: c.hasMore}, nil
	}
	c.inFlight = false
	if fetchErr != nil {
		return PageResult{HasMore: c.hasMore}, fmt.Errorf("fetch page %d of %s: %w", t.Page, t.ConversationID, fetchErr)
	}
	if resp == nil {
		resp = &HistoryPage{}
	}

	c.loaded = true
	c.totalPages = resp.TotalPages
	c.hasMore = t.Page < resp.TotalPages
	c.page = t.Page + 1

	var items []Message
	if c.merger != nil {
		items = c.merger.MergeOlder(resp.Messages)
	} else {
		items = resp.Messages
	}
	c.metrics.pageMerged()
	c.log.Debug("page_merged",
		zap.String("conversation_id", t.ConversationID),
		zap.Int("page", t.Page),
		zap.Int("added", len(items)),
		zap.Bool("has_more", c.hasMore),
	)
	return PageResult{Items: items, HasMore: c.hasMore}, nil
}

// LoadNextPage fetches and merges the next page inline. Use it only from the
// goroutine that owns the cursor and its merger.
func (c *PaginationCursor) LoadNextPage(ctx context.Context, conversationID string) (PageResult, error) {
	t, err := c.Begin(conversationID)
	if err != nil {
		return PageResult{HasMore: c.hasMore}, err
	}
	resp, err := c.fetcher.FetchPage(ctx, t.ConversationID, t.Page)
	return c.Complete(t, resp, err)
}

// Fetch runs the network half of a request. It touches no cursor state and
// is safe to call from any goroutine.
func (c *PaginationCursor) Fetch(ctx context.Context, t PageTicket) (*HistoryPage, error) {
	return c.fetcher.FetchPage(ctx, t.ConversationID, t.Page)
}
