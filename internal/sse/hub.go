// Package sse implements the in-process fan-out side of the Progress
// Channel (C5): an http.ResponseWriter stream per connected client,
// subscribed to one job's event channel, fed by the cache Subscriber's
// forwarder so multiple API replicas stay in sync. Grounded on the
// teacher's internal/sse Hub (subscription map + heartbeat ping loop),
// generalized from per-user channels to per-job channels.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenji11/adforge/internal/cache"
	"github.com/kenji11/adforge/internal/platform/logger"
)

const heartbeatInterval = 15 * time.Second

type Client struct {
	ID       uuid.UUID
	Channel  string
	Outbound chan cache.Event
	done     chan struct{}
}

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) NewClient(channel string) *Client {
	return &Client{
		ID:       uuid.New(),
		Channel:  channel,
		Outbound: make(chan cache.Event, 16),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Subscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channel := strings.TrimSpace(c.Channel)
	if channel == "" {
		return
	}
	clients, ok := h.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[c] = true
	h.log.Debug("sse client subscribed", "client_id", c.ID, "channel", channel)
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.subscriptions[c.Channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, c.Channel)
		}
	}
	h.log.Debug("sse client unsubscribed", "client_id", c.ID, "channel", c.Channel)
}

// Broadcast delivers ev to every client subscribed to channel, dropping
// the event for any client whose outbound buffer is full rather than
// blocking the publisher on a slow reader.
func (h *Hub) Broadcast(channel string, ev cache.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.subscriptions[channel]
	if !ok {
		return
	}
	for c := range clients {
		select {
		case c.Outbound <- ev:
		default:
			h.log.Warn("dropping sse event; outbound buffer full", "client_id", c.ID, "channel", channel)
		}
	}
}

// ForwardFromBus bridges the cross-process cache.Subscriber into this
// in-process Hub: every event published by any API or worker replica
// fans out to every locally connected client.
func (h *Hub) ForwardFromBus(ctx context.Context, sub cache.Subscriber, topic string) error {
	return sub.StartForwarder(ctx, topic, func(ev cache.Event) {
		h.Broadcast(ev.JobID, ev)
	})
}

// ServeHTTP streams Server-Sent Events for one client until the request
// context is canceled or the client is explicitly closed, interleaving a
// comment-only heartbeat so intermediate proxies don't time out the
// connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, c *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Unsubscribe(c)
			return
		case <-c.done:
			h.Unsubscribe(c)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-c.Outbound:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("failed to marshal sse event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
			if ev.Status == "succeeded" || ev.Status == "failed" || ev.Status == "canceled" {
				h.Unsubscribe(c)
				return
			}
		}
	}
}

func (h *Hub) CloseClient(c *Client) {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
