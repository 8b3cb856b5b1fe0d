package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinic/queue-service/internal/hub"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRealtime(t *testing.T, server *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/realtime"
	if token != "" {
		url += "?access_token=" + token
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestRealtimeSubscribeAndReceive(t *testing.T) {
	h := hub.New(zerolog.Nop())
	handler := newTestHandler(fakeStore{}, fakeRoleStore{}, Options{Hub: h})
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	conn, _, err := dialRealtime(t, server, "viewer")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "departmentId": deptID}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack subscriptionAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, deptID, ack.DepartmentID)

	assert.Equal(t, 0, h.Broadcast([]byte(`{"type":"other"}`), hub.Subscription{OrganizationID: orgID, DepartmentID: otherOrgID}))
	assert.Equal(t, 0, h.Broadcast([]byte(`{"type":"foreign"}`), hub.Subscription{OrganizationID: otherOrgID, DepartmentID: deptID}))
	assert.Equal(t, 1, h.Broadcast([]byte(`{"type":"queue_item.started"}`), hub.Subscription{OrganizationID: orgID, DepartmentID: deptID}))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope map[string]string
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "queue_item.started", envelope["type"])
}

func TestRealtimeRejectsBadSubscription(t *testing.T) {
	h := hub.New(zerolog.Nop())
	handler := newTestHandler(fakeStore{}, fakeRoleStore{}, Options{Hub: h})
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	conn, _, err := dialRealtime(t, server, "viewer")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "departmentId": "nope"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack subscriptionAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "error", ack.Type)
}

func TestRealtimeRequiresToken(t *testing.T) {
	handler := newTestHandler(fakeStore{}, fakeRoleStore{}, Options{Hub: hub.New(zerolog.Nop())})
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	_, resp, err := dialRealtime(t, server, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialRealtime(t, server, "norole")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRealtimeDisabledWithoutHub(t *testing.T) {
	handler := newTestHandler(fakeStore{}, fakeRoleStore{}, Options{})
	resp := do(t, handler, http.MethodGet, "/api/realtime", "viewer", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
