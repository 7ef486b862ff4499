package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/metrics"
)

type pendingMessage struct {
	username string
	text     string
}

// AsyncAppender writes messages to a MessageStore from a single background
// goroutine so callers never wait on persistence. Messages are written in
// enqueue order. Failures are logged and dropped.
type AsyncAppender struct {
	store   MessageStore
	queue   chan pendingMessage
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewAsyncAppender creates an appender with a queue of queueSize entries.
// Each write is bounded by timeout.
func NewAsyncAppender(s MessageStore, logger zerolog.Logger, queueSize int, timeout time.Duration) *AsyncAppender {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsyncAppender{
		store:   s,
		queue:   make(chan pendingMessage, queueSize),
		timeout: timeout,
		logger:  logger.With().Str("component", "appender").Logger(),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling Start more than once has no
// further effect.
func (a *AsyncAppender) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	go a.run()
}

// Enqueue schedules a message for persistence. It never blocks; it returns
// false when the appender is closed or its queue is full.
func (a *AsyncAppender) Enqueue(username, text string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}

	select {
	case a.queue <- pendingMessage{username: username, text: text}:
		return true
	default:
		metrics.PersistQueueDropped.Inc()
		a.logger.Warn().Str("username", username).Msg("persist queue full, message not saved")
		return false
	}
}

func (a *AsyncAppender) run() {
	defer close(a.done)

	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.store.Append(ctx, msg.username, msg.text)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("username", msg.username).Msg("error saving message")
		}
	}
}

// Close stops accepting messages and waits for queued ones to be written or
// for ctx to expire.
func (a *AsyncAppender) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	close(a.queue)
	a.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn().Int("pending", len(a.queue)).Msg("appender drain interrupted")
		return ctx.Err()
	}
}
