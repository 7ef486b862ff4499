package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presencechat/internal/chat"
	"github.com/Tyrowin/presencechat/internal/config"
)

type presenceData struct {
	Username string `json:"username"`
	Users    []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"users"`
}

type welcomeData struct {
	Message string             `json:"message"`
	Users   []json.RawMessage  `json:"users"`
	History []chat.ChatMessage `json:"history"`
}

func decodeData[T any](t *testing.T, env chat.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "event %q", env.Event)
	return v
}

// TestWebSocket_JoinFlow verifies the join broadcast reaches everyone and
// only the joining connection is welcomed.
func TestWebSocket_JoinFlow(t *testing.T) {
	s := newTestStack(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)

	alice.emit(chat.EventJoin, "alice")

	joined := alice.next()
	require.Equal(t, chat.EventUserJoined, joined.Event)
	assert.Equal(t, "alice", decodeData[presenceData](t, joined).Username)

	welcomeEnv := alice.next()
	require.Equal(t, chat.EventWelcome, welcomeEnv.Event)
	welcome := decodeData[welcomeData](t, welcomeEnv)
	assert.Equal(t, "Welcome to the chat, alice!", welcome.Message)
	assert.Len(t, welcome.Users, 1)
	assert.NotNil(t, welcome.History)

	seen := decodeData[presenceData](t, bob.next())
	assert.Equal(t, "alice", seen.Username)
	require.Len(t, seen.Users, 1)
	assert.NotEmpty(t, seen.Users[0].ID)
	bob.expectNone(100 * time.Millisecond)

	assert.Equal(t, 1, s.registry.Count())
}

func TestWebSocket_ChatBroadcastAndHistory(t *testing.T) {
	s := newTestStack(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)
	alice.join("alice")
	bob.join("bob")

	alice.say("hello bob")

	for _, c := range []*wsClient{alice, bob} {
		msg := decodeData[chat.ChatMessage](t, c.waitFor(chat.EventChatMessage))
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hello bob", msg.Message)
		_, err := time.Parse(chat.TimestampLayout, msg.Timestamp)
		assert.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		messages, err := s.store.FetchRecent(context.Background(), 10)
		return err == nil && len(messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	carol := s.dial(t)
	carol.emit(chat.EventJoin, "carol")
	welcome := decodeData[welcomeData](t, carol.waitFor(chat.EventWelcome))
	require.Len(t, welcome.History, 1)
	assert.Equal(t, "hello bob", welcome.History[0].Message)
	assert.Len(t, welcome.Users, 3)
}

// TestWebSocket_WelcomeHistoryCappedFromEnv builds the stack from an
// environment asking for more history than a welcome may carry.
func TestWebSocket_WelcomeHistoryCappedFromEnv(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "80")
	s := newTestStack(t, func(cfg *config.Config) {
		*cfg = *config.FromEnv()
		require.NoError(t, cfg.Validate())
	})
	for i := 0; i < 80; i++ {
		require.NoError(t, s.store.Append(context.Background(), "old", fmt.Sprintf("m%d", i)))
	}

	c := s.dial(t)
	c.emit(chat.EventJoin, "alice")

	welcome := decodeData[welcomeData](t, c.waitFor(chat.EventWelcome))
	require.Len(t, welcome.History, 50)
	assert.Equal(t, "m30", welcome.History[0].Message)
}

func TestWebSocket_ChatBeforeJoinIsIgnored(t *testing.T) {
	s := newTestStack(t, nil)
	anon := s.dial(t)
	watcher := s.dial(t)

	anon.say("anyone?")

	watcher.expectNone(150 * time.Millisecond)
	anon.expectNone(10 * time.Millisecond)
	messages, err := s.store.FetchRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestWebSocket_TypingThenChatOrder(t *testing.T) {
	s := newTestStack(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)
	alice.join("alice")
	bob.join("bob")
	alice.waitFor(chat.EventUserJoined)

	alice.emit(chat.EventTyping, nil)
	alice.say("typed it")

	typing := bob.next()
	require.Equal(t, chat.EventUserTyping, typing.Event)
	assert.Equal(t, "alice", decodeData[string](t, typing))
	assert.Equal(t, chat.EventUserStopTyping, bob.next().Event)
	assert.Equal(t, chat.EventChatMessage, bob.next().Event)

	assert.Equal(t, chat.EventChatMessage, alice.next().Event)
	alice.expectNone(100 * time.Millisecond)
}

func TestWebSocket_StopTypingFromAnonymous(t *testing.T) {
	s := newTestStack(t, nil)
	anon := s.dial(t)
	watcher := s.dial(t)

	anon.emit(chat.EventTyping, nil)
	anon.emit(chat.EventStopTyping, nil)

	env := watcher.next()
	assert.Equal(t, chat.EventUserStopTyping, env.Event)
	assert.Empty(t, env.Data)
	watcher.expectNone(100 * time.Millisecond)
}

func TestWebSocket_DisconnectAnnouncesUserLeftOnce(t *testing.T) {
	s := newTestStack(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)
	alice.join("alice")
	bob.join("bob")

	require.NoError(t, alice.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	left := decodeData[presenceData](t, bob.waitFor(chat.EventUserLeft))
	assert.Equal(t, "alice", left.Username)
	require.Len(t, left.Users, 1)
	assert.Equal(t, "bob", left.Users[0].Username)
	bob.expectNone(150 * time.Millisecond)

	assert.Equal(t, 1, s.registry.Count())
	assert.Equal(t, 1, s.hub.ClientCount())
}

func TestWebSocket_AnonymousDisconnectIsSilent(t *testing.T) {
	s := newTestStack(t, nil)
	anon := s.dial(t)
	watcher := s.dial(t)

	_ = anon.conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	watcher.expectNone(100 * time.Millisecond)
}

func TestWebSocket_InvalidFramesAreIgnored(t *testing.T) {
	s := newTestStack(t, nil)
	c := s.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.emit("dance", nil)
	c.join("still-here")

	assert.Equal(t, 1, s.registry.Count())
}

func TestWebSocket_BatchedClientFrame(t *testing.T) {
	s := newTestStack(t, nil)
	c := s.dial(t)

	join, err := chat.Encode(chat.EventJoin, "batch")
	require.NoError(t, err)
	say, err := chat.Encode(chat.EventChatMessage, map[string]string{"message": "two in one"})
	require.NoError(t, err)
	frame := append(append(join, '\n'), say...)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, frame))

	msg := decodeData[chat.ChatMessage](t, c.waitFor(chat.EventChatMessage))
	assert.Equal(t, "two in one", msg.Message)
}

func TestWebSocket_RateLimitDropsExcessChat(t *testing.T) {
	s := newTestStack(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 3, RefillInterval: time.Minute}
	})
	c := s.dial(t)
	c.join("spammer")

	for i := 0; i < 5; i++ {
		c.say("spam")
	}
	// Typing events bypass the limiter.
	c.emit(chat.EventTyping, nil)
	c.emit(chat.EventStopTyping, nil)

	assert.Equal(t, chat.EventChatMessage, c.next().Event)
	assert.Equal(t, chat.EventChatMessage, c.next().Event)
	c.expectNone(200 * time.Millisecond)
}

func TestWebSocket_OversizedMessageClosesConnection(t *testing.T) {
	s := newTestStack(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 128
	})
	big := s.dial(t)
	watcher := s.dial(t)
	big.join("big")
	watcher.join("watcher")

	big.say(strings.Repeat("x", 512))

	big.waitClosed()
	left := decodeData[presenceData](t, watcher.waitFor(chat.EventUserLeft))
	assert.Equal(t, "big", left.Username)
}

func TestWebSocket_OriginValidation(t *testing.T) {
	s := newTestStack(t, nil)

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{name: "disallowed origin", origin: "http://evil.example", wantStatus: http.StatusForbidden},
		{name: "missing origin", origin: "", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL, header)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	assert.Equal(t, 0, s.hub.ClientCount())
}

func TestWebSocket_NonUpgradeRequests(t *testing.T) {
	s := newTestStack(t, nil)

	resp, err := http.Post(s.server.URL+"/ws", "text/plain", strings.NewReader("test"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_HubShutdownClosesClients(t *testing.T) {
	s := newTestStack(t, nil)
	alice := s.dial(t)
	bob := s.dial(t)
	alice.join("alice")
	bob.join("bob")

	require.NoError(t, s.hub.Shutdown(2*time.Second))

	alice.waitClosed()
	bob.waitClosed()
	assert.Equal(t, 0, s.hub.ClientCount())
	assert.Equal(t, 0, s.registry.Count())
}
