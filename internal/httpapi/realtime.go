package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"clinic/queue-service/internal/access"
	"clinic/queue-service/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriptionAck struct {
	Type         string `json:"type"`
	DepartmentID string `json:"departmentId,omitempty"`
	DoctorID     string `json:"doctorId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleRealtime upgrades to a websocket that streams queue change envelopes
// for the caller's organization. Clients narrow the stream with
// {"action":"subscribe","departmentId":...}.
func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.hub == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "realtime_disabled", "realtime updates are not enabled")
		return
	}
	if !requirePermission(w, r, access.PermissionQueueRead) {
		return
	}
	principal, _ := principalFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &hub.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, 64),
		Subscription: hub.Subscription{OrganizationID: principal.OrganizationID},
	}
	h.hub.Register(client)

	go h.writePump(conn, client)
	h.readPump(conn, client, principal)
}

func (h *Handler) readPump(conn *websocket.Conn, client *hub.Client, principal *access.Principal) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := hub.ParseSubscribe(data)
		if !ok {
			h.sendAck(client, subscriptionAck{Type: "error", Error: "unrecognized message"})
			continue
		}
		if msg.Action == "unsubscribe" {
			h.hub.UpdateSubscription(client, hub.Subscription{OrganizationID: principal.OrganizationID})
			h.sendAck(client, subscriptionAck{Type: "unsubscribed"})
			continue
		}
		if (msg.DepartmentID != "" && !isValidUUID(msg.DepartmentID)) || (msg.DoctorID != "" && !isValidUUID(msg.DoctorID)) {
			h.sendAck(client, subscriptionAck{Type: "error", Error: "departmentId and doctorId must be UUIDs"})
			continue
		}
		h.hub.UpdateSubscription(client, hub.Subscription{
			OrganizationID: principal.OrganizationID,
			DepartmentID:   msg.DepartmentID,
			DoctorID:       msg.DoctorID,
		})
		h.sendAck(client, subscriptionAck{Type: "subscribed", DepartmentID: msg.DepartmentID, DoctorID: msg.DoctorID})
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) sendAck(client *hub.Client, ack subscriptionAck) {
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}
