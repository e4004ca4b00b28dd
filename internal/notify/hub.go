// Package notify pushes entitlement changes to the performer's open app
// sessions over WebSocket, so the UI reflects plan transitions confirmed by
// the billing webhook without polling.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/harumakino16/setlink/internal/billing/model"
)

// Message is the wire format for an entitlement change notification.
type Message struct {
	Type     string `json:"type"`
	Plan     string `json:"plan"`
	State    string `json:"state"`
	CancelAt *int64 `json:"cancel_at,omitempty"`
}

// Hub maintains the set of connected clients grouped by user id and routes
// entitlement changes to the sessions of the affected user only.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub under its user id.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// EntitlementChanged notifies every session of the given user. Implements
// the reconciler's Notifier.
func (h *Hub) EntitlementChanged(userID string, st model.State) {
	msg := Message{
		Type:  "entitlement_updated",
		Plan:  string(st.Plan()),
		State: st.Kind.String(),
	}
	if at := st.CancelAtValue(); at != nil {
		ms := at.UnixMilli()
		msg.CancelAt = &ms
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal notification", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			// Client buffer full; drop rather than block the reconciler
		}
	}
}

// SessionCount returns the number of connected sessions for a user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
