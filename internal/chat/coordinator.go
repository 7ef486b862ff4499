package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/metrics"
	"github.com/Tyrowin/presencechat/internal/presence"
	"github.com/Tyrowin/presencechat/internal/store"
)

// Transport delivers encoded events to connections.
type Transport interface {
	// Send delivers to one connection and reports whether it was accepted.
	Send(id presence.ConnID, payload []byte) bool
	Broadcast(payload []byte)
	BroadcastExcept(id presence.ConnID, payload []byte)
}

// HistoryReader reads recent persisted messages, oldest first.
type HistoryReader interface {
	FetchRecent(ctx context.Context, limit int) ([]store.Message, error)
}

// MessageLog accepts chat messages for best-effort persistence.
type MessageLog interface {
	Enqueue(username, text string) bool
}

// State is a connection's position in the session lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session tracks one connection. It is owned by the goroutine that reads
// from that connection and must not be shared.
type Session struct {
	id     presence.ConnID
	state  State
	typing bool
}

// ID returns the connection identity.
func (s *Session) ID() presence.ConnID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Options tunes a Coordinator. Zero values select defaults. HistoryLimit is
// capped at store.DefaultFetchLimit.
type Options struct {
	HistoryLimit int
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Coordinator applies inbound events to the presence registry and message
// store and fans the results out through a Transport. It is safe for
// concurrent use by many connections.
type Coordinator struct {
	registry  *presence.Registry
	transport Transport
	history   HistoryReader
	messages  MessageLog
	logger    zerolog.Logger

	historyLimit int
	storeTimeout time.Duration
	now          func() time.Time
}

// NewCoordinator wires a coordinator. history and messages may be nil, in
// which case joins get an empty history and chat lines are not persisted.
func NewCoordinator(
	registry *presence.Registry,
	transport Transport,
	history HistoryReader,
	messages MessageLog,
	logger zerolog.Logger,
	opts Options,
) *Coordinator {
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > store.DefaultFetchLimit {
		opts.HistoryLimit = store.DefaultFetchLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		registry:     registry,
		transport:    transport,
		history:      history,
		messages:     messages,
		logger:       logger.With().Str("component", "coordinator").Logger(),
		historyLimit: opts.HistoryLimit,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
	}
}

// Connect starts an anonymous session for a newly opened connection.
func (c *Coordinator) Connect(id presence.ConnID) *Session {
	return &Session{id: id, state: StateAnonymous}
}

// Handle dispatches one inbound event. Events on a disconnected session are
// dropped.
func (c *Coordinator) Handle(ctx context.Context, s *Session, in Inbound) {
	if s.state == StateDisconnected {
		return
	}
	switch in.Event {
	case EventJoin:
		c.join(ctx, s, in.Username)
	case EventChatMessage:
		c.chatMessage(s, in.Text)
	case EventTyping:
		c.startTyping(s)
	case EventStopTyping:
		c.stopTyping(s)
	default:
		c.logger.Debug().Str("conn", s.id.String()).Str("event", in.Event).Msg("ignoring unknown event")
		return
	}
	metrics.EventsReceived.WithLabelValues(in.Event).Inc()
}

// Disconnect ends the session. A joined user is removed from the registry
// and the remaining connections are told. Calling it again has no effect.
func (c *Coordinator) Disconnect(s *Session) {
	if s.state == StateDisconnected {
		return
	}
	wasTyping := s.typing
	s.typing = false
	s.state = StateDisconnected

	user, ok := c.registry.Leave(s.id)
	if !ok {
		return
	}
	metrics.UsersOnline.Set(float64(c.registry.Count()))

	if wasTyping {
		c.broadcastExcept(s.id, EventUserStopTyping, nil)
	}
	c.broadcast(EventUserLeft, PresencePayload{
		Username: user.Username,
		Users:    c.registry.ListAll(),
	})
	c.logger.Info().Str("conn", s.id.String()).Str("username", user.Username).Msg("user left")
}

func (c *Coordinator) join(ctx context.Context, s *Session, username string) {
	user := c.registry.Join(s.id, username)
	s.state = StateJoined
	metrics.UsersOnline.Set(float64(c.registry.Count()))
	c.logger.Info().Str("conn", s.id.String()).Str("username", user.Username).Msg("user joined")

	c.broadcast(EventUserJoined, PresencePayload{
		Username: user.Username,
		Users:    c.registry.ListAll(),
	})

	history := c.fetchHistory(ctx)

	if !c.send(s.id, EventWelcome, WelcomePayload{
		Message: WelcomeText(user.Username),
		Users:   c.registry.ListAll(),
		History: history,
	}) {
		c.logger.Debug().Str("conn", s.id.String()).Msg("welcome not delivered, connection gone")
	}
}

// fetchHistory never fails; a store error yields an empty history. The read
// is bounded by the store timeout but outlives the connection's context.
func (c *Coordinator) fetchHistory(ctx context.Context) []ChatMessage {
	if c.history == nil {
		return []ChatMessage{}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()

	messages, err := c.history.FetchRecent(ctx, c.historyLimit)
	if err != nil {
		c.logger.Error().Err(err).Msg("error fetching history")
		return []ChatMessage{}
	}
	return FromStored(messages)
}

func (c *Coordinator) chatMessage(s *Session, text string) {
	user, ok := c.registry.Get(s.id)
	if !ok {
		return
	}

	msg := ChatMessage{
		Username:  user.Username,
		Message:   text,
		Timestamp: c.now().Format(TimestampLayout),
	}

	if s.typing {
		s.typing = false
		c.broadcastExcept(s.id, EventUserStopTyping, nil)
	}

	if c.messages != nil && !c.messages.Enqueue(user.Username, text) {
		c.logger.Warn().Str("username", user.Username).Msg("chat message not persisted")
	}

	c.broadcast(EventChatMessage, msg)
}

func (c *Coordinator) startTyping(s *Session) {
	user, ok := c.registry.Get(s.id)
	if !ok {
		return
	}
	s.typing = true
	c.broadcastExcept(s.id, EventUserTyping, user.Username)
}

// stopTyping broadcasts even for anonymous sessions.
func (c *Coordinator) stopTyping(s *Session) {
	s.typing = false
	c.broadcastExcept(s.id, EventUserStopTyping, nil)
}

func (c *Coordinator) encode(event string, data any) ([]byte, bool) {
	payload, err := Encode(event, data)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("error encoding event")
		return nil, false
	}
	return payload, true
}

func (c *Coordinator) broadcast(event string, data any) {
	payload, ok := c.encode(event, data)
	if !ok {
		return
	}
	metrics.EventsEmitted.WithLabelValues(event, "all").Inc()
	c.transport.Broadcast(payload)
}

func (c *Coordinator) broadcastExcept(id presence.ConnID, event string, data any) {
	payload, ok := c.encode(event, data)
	if !ok {
		return
	}
	metrics.EventsEmitted.WithLabelValues(event, "others").Inc()
	c.transport.BroadcastExcept(id, payload)
}

func (c *Coordinator) send(id presence.ConnID, event string, data any) bool {
	payload, ok := c.encode(event, data)
	if !ok {
		return false
	}
	metrics.EventsEmitted.WithLabelValues(event, "one").Inc()
	return c.transport.Send(id, payload)
}
