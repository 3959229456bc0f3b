package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"new-message","payload":{"conversationId":"c1","message":{"id":"m1","senderId":"bob","content":"hi","createdAt":"2026-01-01T12:00:00Z","clientId":"temp-1"}}}`))
		require.NoError(t, err)
		m, ok := ev.(MessageNew)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "c1", m.ConversationID)
		assert.Equal(t, "m1", m.Message.ID)
		assert.Equal(t, "temp-1", m.Message.ClientID)
		assert.True(t, m.Message.CreatedAt.Equal(t0))
	})

	t.Run("reaction removed", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"reaction-removed","payload":{"messageId":"m1","userId":"bob","emoji":"👍"}}`))
		require.NoError(t, err)
		assert.Equal(t, ReactionRemoved{MessageID: "m1", UserID: "bob", Emoji: "👍"}, ev)
	})

	t.Run("presence roster", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"presence-roster","payload":{"onlineUserIds":["a","b"]}}`))
		require.NoError(t, err)
		assert.Equal(t, PresenceRoster{OnlineUserIDs: []string{"a", "b"}}, ev)
	})

	t.Run("message deleted", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"message-deleted","payload":{"conversationId":"c1","messageId":"m1","deletedAt":"2026-01-01T12:00:05Z"}}`))
		require.NoError(t, err)
		d := ev.(MessageDeleted)
		assert.True(t, d.DeletedAt.Equal(t0.Add(5*time.Second)))
	})

	t.Run("decorative payload passes through untouched", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"decorative-trigger","payload":{"conversationId":"c1","payload":{"song":"x","loop":true}}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"song":"x","loop":true}`, string(ev.(DecorativeTrigger).Payload))
	})

	t.Run("pong request id from envelope", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"pong","requestId":"ping-1"}`))
		require.NoError(t, err)
		assert.Equal(t, Pong{RequestID: "ping-1"}, ev)
	})

	t.Run("unknown type", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"sticker-pack-updated","payload":{"id":1}}`))
		require.NoError(t, err)
		u, ok := ev.(UnknownEvent)
		require.True(t, ok)
		assert.Equal(t, "sticker-pack-updated", u.EventType())
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"type":`))
		assert.Error(t, err)
		_, err = DecodeEvent([]byte(`{"type":"typing-start","payload":"nope"}`))
		assert.Error(t, err)
	})
}
