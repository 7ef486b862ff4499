package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presencechat/internal/chat"
	"github.com/Tyrowin/presencechat/internal/config"
	"github.com/Tyrowin/presencechat/internal/presence"
	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/Tyrowin/presencechat/web"
)

const testOrigin = "http://localhost:5000"

// testStack is a fully wired server on an httptest listener.
type testStack struct {
	cfg      *config.Config
	hub      *Hub
	registry *presence.Registry
	store    *store.MemoryStore
	server   *httptest.Server
	wsURL    string
}

func newTestStack(t *testing.T, customize func(cfg *config.Config)) *testStack {
	t.Helper()

	cfg := config.Default()
	if customize != nil {
		customize(cfg)
	}

	logger := zerolog.Nop()
	messageStore := store.NewMemoryStore(0)
	appender := store.NewAsyncAppender(messageStore, logger, 64, time.Second)
	appender.Start()

	registry := presence.NewRegistry()
	hub := NewHub(logger)
	go hub.Run()

	coordinator := chat.NewCoordinator(registry, hub, messageStore, appender, logger, chat.Options{
		HistoryLimit: cfg.HistoryLimit,
		StoreTimeout: cfg.Store.Timeout,
	})

	handlers := NewHandlers(Deps{
		Config:     cfg,
		Hub:        hub,
		Dispatcher: coordinator,
		Registry:   registry,
		Store:      messageStore,
		Logger:     logger,
	})
	ts := httptest.NewServer(NewRouter(handlers, web.Static(), logger))

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
		_ = appender.Close(context.Background())
	})

	return &testStack{
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		store:    messageStore,
		server:   ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// wsClient reads envelopes off a connection in the background.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan chat.Envelope
}

// dial connects and waits until the hub has registered the connection, so
// broadcasts issued right after dial reach it.
func (s *testStack) dial(t *testing.T) *wsClient {
	t.Helper()

	before := s.hub.ClientCount()

	header := http.Header{}
	header.Set("Origin", testOrigin)
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL, header)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		return s.hub.ClientCount() == before+1
	}, 2*time.Second, 5*time.Millisecond)

	c := &wsClient{t: t, conn: conn, events: make(chan chat.Envelope, 256)}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) readLoop() {
	defer close(c.events)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var env chat.Envelope
			if err := json.Unmarshal(line, &env); err == nil {
				c.events <- env
			}
		}
	}
}

func (c *wsClient) emit(event string, data any) {
	c.t.Helper()
	raw, err := chat.Encode(event, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *wsClient) join(username string) {
	c.t.Helper()
	c.emit(chat.EventJoin, username)
	c.waitFor(chat.EventWelcome)
}

func (c *wsClient) say(text string) {
	c.t.Helper()
	c.emit(chat.EventChatMessage, map[string]string{"message": text})
}

// next returns the next envelope, failing if none arrives in time.
func (c *wsClient) next() chat.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.events:
		if !ok {
			c.t.Fatalf("connection closed while waiting for an event")
		}
		return env
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for an event")
	}
	return chat.Envelope{}
}

// waitFor skips envelopes until one named event arrives.
func (c *wsClient) waitFor(event string) chat.Envelope {
	c.t.Helper()
	for {
		if env := c.next(); env.Event == event {
			return env
		}
	}
}

func (c *wsClient) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case env, ok := <-c.events:
		if ok {
			c.t.Fatalf("expected no event, got %q %s", env.Event, env.Data)
		}
	case <-time.After(d):
	}
}

func (c *wsClient) waitClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatalf("connection was not closed")
		}
	}
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Append(context.Context, string, string) error { return errStoreDown }

func (failingStore) FetchRecent(context.Context, int) ([]store.Message, error) {
	return nil, errStoreDown
}

func (failingStore) Ping(context.Context) error { return errStoreDown }

func (failingStore) Close() error { return nil }

var errStoreDown = errors.New("store down")
