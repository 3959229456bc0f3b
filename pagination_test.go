package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory serves pages from memory. Page 1 is the newest.
type fakeHistory struct {
	mu       sync.Mutex
	pages    map[string][][]Message
	requests []string
	err      error
	gate     chan struct{}
	gateConv string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{pages: make(map[string][][]Message)}
}

// seed splits ids m<from>..m<to> into pages of size n, newest first.
func (f *fakeHistory) seed(conv string, from, to, n int) {
	var all []Message
	for i := from; i <= to; i++ {
		all = append(all, Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conv,
			SenderID:       "bob",
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      t0.Add(time.Duration(i) * time.Second),
		})
	}
	var pages [][]Message
	for end := len(all); end > 0; end -= n {
		start := end - n
		if start < 0 {
			start = 0
		}
		pages = append(pages, all[start:end])
	}
	f.mu.Lock()
	f.pages[conv] = pages
	f.mu.Unlock()
}

func (f *fakeHistory) FetchPage(ctx context.Context, conv string, page int) (*HistoryPage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, fmt.Sprintf("%s#%d", conv, page))
	gate, err := f.gate, f.err
	if f.gateConv != "" && f.gateConv != conv {
		gate = nil
	}
	pages := f.pages[conv]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page < 1 || page > len(pages) {
		return &HistoryPage{TotalPages: len(pages)}, nil
	}
	return &HistoryPage{Messages: pages[page-1], TotalPages: len(pages)}, nil
}

func (f *fakeHistory) AddReaction(context.Context, string, string) error    { return nil }
func (f *fakeHistory) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeHistory) DeleteMessage(context.Context, string) error          { return nil }

func (f *fakeHistory) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func TestPaginationSequential(t *testing.T) {
	ctx := context.Background()
	hist := newFakeHistory()
	hist.seed("c1", 40, 59, 10)
	s, _ := newTestStore(t)
	c := NewPaginationCursor(hist, s, nil, nil)
	c.Reset("c1")

	assert.Equal(t, PaginationState{Page: 1}, c.State())

	res, err := c.LoadNextPage(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.True(t, res.HasMore)

	res, err = c.LoadNextPage(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.False(t, res.HasMore)
	assert.Equal(t, PaginationState{Page: 3, TotalPages: 2, HasMore: false}, c.State())

	_, err = c.LoadNextPage(ctx, "c1")
	assert.ErrorIs(t, err, ErrNoMorePages)
	assert.Equal(t, []string{"c1#1", "c1#2"}, hist.requested(), "exhausted cursor must not hit the network")
	assert.Equal(t, 20, s.Len())
	assertOrdered(t, s)
}

func TestPaginationLiveInsertScenario(t *testing.T) {
	ctx := context.Background()
	hist := newFakeHistory()
	hist.seed("c1", 40, 59, 10)
	s, _ := newTestStore(t)
	c := NewPaginationCursor(hist, s, nil, nil)
	c.Reset("c1")

	_, err := c.LoadNextPage(ctx, "c1")
	require.NoError(t, err)

	s.Reconcile(Message{ID: "m60", ConversationID: "c1", SenderID: "bob", CreatedAt: t0.Add(60 * time.Second)})

	_, err = c.LoadNextPage(ctx, "c1")
	require.NoError(t, err)

	var want []string
	for i := 40; i <= 60; i++ {
		want = append(want, fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, want, keys(s.Snapshot()))
}

func TestPaginationDedupAcrossPages(t *testing.T) {
	// Overlapping pages: a message landed between the two fetches and
	// shifted the page boundary by one.
	hist := newFakeHistory()
	hist.pages["c1"] = [][]Message{
		{msg("m5", "b", "", t0.Add(5*time.Second)), msg("m6", "b", "", t0.Add(6*time.Second))},
		{msg("m4", "b", "", t0.Add(4*time.Second)), msg("m5", "b", "", t0.Add(5*time.Second))},
	}
	s, _ := newTestStore(t)
	c := NewPaginationCursor(hist, s, nil, nil)
	c.Reset("c1")

	_, err := c.LoadNextPage(context.Background(), "c1")
	require.NoError(t, err)
	res, err := c.LoadNextPage(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, []string{"m4"}, keys(res.Items))
	assert.Equal(t, []string{"m4", "m5", "m6"}, keys(s.Snapshot()))
}

func TestPaginationInFlight(t *testing.T) {
	hist := newFakeHistory()
	hist.seed("c1", 1, 30, 10)
	c := NewPaginationCursor(hist, nil, nil, nil)
	c.Reset("c1")

	ticket, err := c.Begin("c1")
	require.NoError(t, err)
	_, err = c.Begin("c1")
	assert.ErrorIs(t, err, ErrFetchInFlight)

	_, err = c.Begin("c2")
	assert.ErrorIs(t, err, ErrNoConversation)

	page, err := c.Fetch(context.Background(), ticket)
	require.NoError(t, err)
	res, err := c.Complete(ticket, page, nil)
	require.NoError(t, err)
	assert.Len(t, res.Items, 10, "without a merger the raw page is returned")
}

func TestPaginationFetchErrorReleasesPage(t *testing.T) {
	hist := newFakeHistory()
	hist.seed("c1", 1, 10, 10)
	hist.err = errors.New("503")
	c := NewPaginationCursor(hist, nil, nil, nil)
	c.Reset("c1")

	_, err := c.LoadNextPage(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, 1, c.State().Page)

	hist.err = nil
	res, err := c.LoadNextPage(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
}

func TestPaginationStaleResponseDiscarded(t *testing.T) {
	hist := newFakeHistory()
	hist.seed("A", 1, 10, 10)
	hist.seed("B", 100, 110, 20)
	s, _ := newTestStore(t)
	m := NewMetrics(nil)
	c := NewPaginationCursor(hist, s, nil, m)

	c.Reset("A")
	ticketA, err := c.Begin("A")
	require.NoError(t, err)
	pageA, err := c.Fetch(context.Background(), ticketA)
	require.NoError(t, err)

	// User switches to B before A's response is applied.
	s.Clear()
	c.Reset("B")
	_, err = c.LoadNextPage(context.Background(), "B")
	require.NoError(t, err)
	before := keys(s.Snapshot())

	res, err := c.Complete(ticketA, pageA, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, before, keys(s.Snapshot()), "stale page must not touch B's timeline")
	assert.Equal(t, 2, c.State().Page, "B's cursor is unaffected")
}

func TestPaginationResetClearsHasMore(t *testing.T) {
	hist := newFakeHistory()
	hist.seed("c1", 1, 30, 10)
	c := NewPaginationCursor(hist, nil, nil, nil)
	c.Reset("c1")
	_, err := c.LoadNextPage(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, c.State().HasMore)

	c.Reset("c2")
	assert.Equal(t, PaginationState{Page: 1}, c.State())
	assert.Equal(t, "c2", c.ConversationID())
}
