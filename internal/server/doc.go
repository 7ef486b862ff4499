// Package server implements the HTTP and WebSocket transport for the chat.
//
// The Hub tracks open connections and implements chat.Transport, so the
// coordinator can address one connection, all of them, or all but one.
// Each Client runs a read pump, which decodes JSON envelopes and feeds them
// to the coordinator, and a write pump, which batches queued envelopes into
// newline separated frames and keeps the connection alive with pings.
// Handlers and NewRouter expose the WebSocket endpoint alongside health,
// metrics, presence and history endpoints and the embedded browser client.
package server
