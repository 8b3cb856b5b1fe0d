package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "Websocket clients currently registered with the hub",
	})
	droppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_dropped_messages_total",
		Help: "Envelopes dropped because a client's send buffer was full",
	})
)

func init() {
	prometheus.MustRegister(connectedClients, droppedMessages)
}

// Subscription scopes which queue changes a client receives. Empty fields
// match everything except OrganizationID, which is always set from the
// caller's token.
type Subscription struct {
	OrganizationID string
	DepartmentID   string
	DoctorID       string
}

func (s Subscription) accepts(change Subscription) bool {
	switch {
	case s.OrganizationID == "" || change.OrganizationID != s.OrganizationID:
		return false
	case s.DepartmentID != "" && change.DepartmentID != s.DepartmentID:
		return false
	case s.DoctorID != "" && change.DoctorID != s.DoctorID:
		return false
	}
	return true
}

// Client is one websocket connection. Send is closed by the hub on
// Unregister.
type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans queue change envelopes out to subscribed clients. It keeps no
// queue state of its own.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	DepartmentID string `json:"departmentId"`
	DoctorID     string `json:"doctorId"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	connectedClients.Inc()
	h.logger.Debug().Str("client_id", client.ID).Str("organization_id", client.Subscription.OrganizationID).Msg("realtime client connected")
}

// Unregister is safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client.ID]
	if known {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.mu.Unlock()
	if known {
		connectedClients.Dec()
	}
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to every client whose subscription accepts the
// change, returning the delivery count. A full send buffer drops the message
// for that client only.
func (h *Hub) Broadcast(payload []byte, change Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for id, client := range h.clients {
		if !client.Subscription.accepts(change) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			droppedMessages.Inc()
			h.logger.Warn().Str("client_id", id).Msg("drop message for slow client")
		}
	}
	return delivered
}

// ParseSubscribe decodes a client control message. Only "subscribe" and
// "unsubscribe" are recognised; the action is case-insensitive.
func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if json.Unmarshal(data, &msg) != nil {
		return SubscribeMessage{}, false
	}
	msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
	msg.DepartmentID = strings.TrimSpace(msg.DepartmentID)
	msg.DoctorID = strings.TrimSpace(msg.DoctorID)
	switch msg.Action {
	case "subscribe", "unsubscribe":
		return msg, true
	default:
		return SubscribeMessage{}, false
	}
}
