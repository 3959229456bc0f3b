package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookRecorder struct {
	mu      sync.Mutex
	expired []string
	idle    []string
}

func (h *hookRecorder) hooks() TypingHooks {
	return TypingHooks{
		RemoteExpired: func(c string) { h.mu.Lock(); h.expired = append(h.expired, c); h.mu.Unlock() },
		LocalIdle:     func(c string) { h.mu.Lock(); h.idle = append(h.idle, c); h.mu.Unlock() },
	}
}

func (h *hookRecorder) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.expired), len(h.idle)
}

func newTestTracker() (*PresenceTypingTracker, *clock.Mock, *hookRecorder) {
	clk := clock.NewMock()
	clk.Set(t0)
	rec := &hookRecorder{}
	return NewPresenceTypingTracker(DefaultConfig(), clk, rec.hooks()), clk, rec
}

func TestTypingStateMachine(t *testing.T) {
	tr, clk, _ := newTestTracker()

	assert.True(t, tr.StartTyping("c1", "bob"), "idle -> typing")
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))

	clk.Add(800 * time.Millisecond)
	assert.False(t, tr.StartTyping("c1", "bob"), "typing -> typing resets the timer")

	clk.Add(800 * time.Millisecond)
	assert.True(t, tr.IsTyping("c1", "bob"), "refresh extended the deadline")

	assert.True(t, tr.StopTyping("c1", "bob"), "typing -> idle on stop")
	assert.Empty(t, tr.Typing("c1"))
	assert.False(t, tr.StopTyping("c1", "bob"))
}

func TestTypingSelfHeals(t *testing.T) {
	tr, clk, rec := newTestTracker()
	tr.StartTyping("c1", "bob")
	tr.StartTyping("c1", "carol")

	// The typing-stop for bob is lost.
	clk.Add(999 * time.Millisecond)
	tr.StartTyping("c1", "carol")
	assert.Equal(t, []string{"bob", "carol"}, tr.Typing("c1"))

	clk.Add(time.Millisecond)
	assert.Equal(t, []string{"carol"}, tr.Typing("c1"), "bob expires exactly at 1s of silence")

	assert.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n >= 1
	}, time.Second, 5*time.Millisecond, "expiry hook fires so the owner can notify")

	assert.True(t, tr.Sweep("c1"))
	assert.False(t, tr.Sweep("c1"))
	assert.Equal(t, 1, tr.Timers())
}

func TestLocalTypingDebounce(t *testing.T) {
	tr, clk, rec := newTestTracker()

	assert.Equal(t, CmdTypingStart, tr.Keystroke("c1"), "first keystroke after idle")
	clk.Add(300 * time.Millisecond)
	assert.Equal(t, "", tr.Keystroke("c1"))
	clk.Add(300 * time.Millisecond)
	assert.Equal(t, "", tr.Keystroke("c1"))

	clk.Add(700 * time.Millisecond)
	assert.False(t, tr.LocalIdle("c1"), "only 700ms since the last keystroke")

	clk.Add(300 * time.Millisecond)
	assert.Eventually(t, func() bool {
		_, n := rec.counts()
		return n >= 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tr.LocalIdle("c1"), "stop after 1s of no keystrokes")
	assert.False(t, tr.LocalIdle("c1"), "stop is emitted once")

	assert.Equal(t, CmdTypingStart, tr.Keystroke("c1"), "typing again starts a new burst")
	assert.True(t, tr.StopLocal("c1"))
	assert.False(t, tr.StopLocal("c1"))
}

func TestTypingClearConversation(t *testing.T) {
	tr, clk, rec := newTestTracker()
	tr.StartTyping("c1", "bob")
	tr.StartTyping("c2", "carol")
	tr.Keystroke("c1")
	require.Equal(t, 3, tr.Timers())

	tr.ClearConversation("c1")
	assert.Empty(t, tr.Typing("c1"))
	assert.Equal(t, []string{"carol"}, tr.Typing("c2"))
	assert.Equal(t, 1, tr.Timers())

	clk.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"c2"}, rec.expired, "no timer fires for the cleared conversation")
	assert.Empty(t, rec.idle)
}

func TestRoster(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.SetRoster([]string{"carol", "bob"})
	assert.True(t, tr.Online("bob"))
	assert.False(t, tr.Online("dave"))
	assert.Equal(t, []string{"bob", "carol"}, tr.Roster())

	tr.ClearConversation("c1")
	assert.Len(t, tr.Roster(), 2, "roster is not per conversation")

	tr.SetRoster(nil)
	assert.Empty(t, tr.Roster())
}
