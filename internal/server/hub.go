package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/presencechat/internal/metrics"
	"github.com/Tyrowin/presencechat/internal/presence"
)

// Hub owns the set of open WebSocket clients and fans encoded events out to
// them. Registration runs through the Run loop, which also starts each
// client's pumps; removal and delivery happen directly under the hub mutex
// so callers observe them immediately.
type Hub struct {
	clients  map[presence.ConnID]*Client
	register chan *Client
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   zerolog.Logger
}

// NewHub creates a hub. Call Run in its own goroutine before registering
// clients.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[presence.ConnID]*Client),
		register: make(chan *Client),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Run handles client registration until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.addClient(client)
		}
	}
}

// Register hands a client to the Run loop. It returns false when the hub is
// shutting down, in which case the caller still owns the connection.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.ConnectionsActive.Inc()
	h.logger.Info().
		Str("conn", client.id.String()).
		Str("remote_addr", client.addr).
		Int("clients", clientCount).
		Msg("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(h.ctx)
	}()
}

// Unregister removes a client and closes its send channel, which makes its
// write pump send a close frame and exit. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	metrics.ConnectionsActive.Dec()
	h.logger.Info().
		Str("conn", client.id.String()).
		Str("remote_addr", client.addr).
		Int("clients", clientCount).
		Msg("client unregistered")
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("recovered from panic in safeSend")
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Send delivers payload to one connection. It returns false if the
// connection is gone or its buffer is full; a full buffer also drops the
// connection.
func (h *Hub) Send(id presence.ConnID, payload []byte) bool {
	h.mutex.RLock()
	client, ok := h.clients[id]
	h.mutex.RUnlock()
	if !ok {
		metrics.DroppedSends.Inc()
		return false
	}

	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
		return false
	}
	return true
}

// Broadcast delivers payload to every connection.
func (h *Hub) Broadcast(payload []byte) {
	h.fanout(presence.ConnID{}, payload)
}

// BroadcastExcept delivers payload to every connection but except.
func (h *Hub) BroadcastExcept(except presence.ConnID, payload []byte) {
	h.fanout(except, payload)
}

func (h *Hub) fanout(except presence.ConnID, payload []byte) {
	clients := h.getClientSnapshot()
	clientsToRemove := h.broadcastToClients(clients, except, payload)
	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients sends payload to every client except the excluded id
// and returns the clients that could not take it.
func (h *Hub) broadcastToClients(clients []*Client, except presence.ConnID, payload []byte) []*Client {
	var clientsToRemove []*Client

	for _, client := range clients {
		if !except.IsZero() && client.id == except {
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	return clientsToRemove
}

// removeFailedClients drops clients whose send buffer is full. Their read
// pumps notice the closed connection and run the normal disconnect path.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.logger.Warn().
				Str("conn", client.id.String()).
				Str("remote_addr", client.addr).
				Msg("client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	metrics.DroppedSends.Add(float64(len(clientsToRemove)))
	metrics.ConnectionsActive.Sub(float64(len(channelsToClose)))

	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients closes every connection so the read pumps exit.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	clients := h.getClientSnapshot()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Error().Err(err).Str("remote_addr", client.addr).Msg("error closing client connection")
			}
		}
	}

	h.logger.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub, closes all connections and waits for their pumps
// to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
