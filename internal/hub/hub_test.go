package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clinic/queue-service/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	orgA  = "11111111-1111-1111-1111-111111111111"
	orgB  = "22222222-2222-2222-2222-222222222222"
	deptA = "33333333-3333-3333-3333-333333333333"
	deptB = "44444444-4444-4444-4444-444444444444"
)

func newClient(id string, sub Subscription) *Client {
	return &Client{ID: id, Send: make(chan []byte, 4), Subscription: sub}
}

func TestBroadcastMatchesSubscription(t *testing.T) {
	h := New(zerolog.Nop())
	all := newClient("all", Subscription{OrganizationID: orgA})
	dept := newClient("dept", Subscription{OrganizationID: orgA, DepartmentID: deptA})
	other := newClient("other", Subscription{OrganizationID: orgB})
	unsubscribed := newClient("none", Subscription{})
	for _, c := range []*Client{all, dept, other, unsubscribed} {
		h.Register(c)
	}

	delivered := h.Broadcast([]byte("x"), Subscription{OrganizationID: orgA, DepartmentID: deptB})
	assert.Equal(t, 1, delivered)
	assert.Len(t, all.Send, 1)
	assert.Len(t, dept.Send, 0)
	assert.Len(t, other.Send, 0)
	assert.Len(t, unsubscribed.Send, 0)
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := New(zerolog.Nop())
	client := &Client{ID: "slow", Send: make(chan []byte, 1), Subscription: Subscription{OrganizationID: orgA}}
	h.Register(client)

	assert.Equal(t, 1, h.Broadcast([]byte("1"), Subscription{OrganizationID: orgA}))
	assert.Equal(t, 0, h.Broadcast([]byte("2"), Subscription{OrganizationID: orgA}))
}

func TestUnregisterClosesSendOnce(t *testing.T) {
	h := New(zerolog.Nop())
	client := newClient("c", Subscription{OrganizationID: orgA})
	h.Register(client)
	assert.Equal(t, 1, h.Count())

	h.Unregister(client)
	h.Unregister(client)
	assert.Equal(t, 0, h.Count())
	_, open := <-client.Send
	assert.False(t, open)
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","departmentId":"` + deptA + `"}`))
	require.True(t, ok)
	assert.Equal(t, deptA, msg.DepartmentID)

	_, ok = ParseSubscribe([]byte(`{"action":"dance"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`not json`))
	assert.False(t, ok)
}

type fakeSource struct {
	batches [][]store.OutboxEvent
	cursors []store.OutboxCursor
	err     error
}

func (f *fakeSource) ListOutboxEvents(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func TestPollOnceBroadcastsAndAdvances(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(store.EventPayload{QueueItemID: "item-1", DepartmentID: deptA, DoctorID: "doc-1", Status: "WAITING"})
	source := &fakeSource{batches: [][]store.OutboxEvent{{
		{EventID: "e1", OrganizationID: orgA, Type: store.EventEnqueued, Payload: payload, CreatedAt: created},
		{EventID: "e2", OrganizationID: orgB, Type: store.EventEnqueued, Payload: payload, CreatedAt: created.Add(time.Second)},
	}}}

	h := New(zerolog.Nop())
	client := newClient("c", Subscription{OrganizationID: orgA, DepartmentID: deptA})
	h.Register(client)

	poller := NewPoller(source, h, time.Second, 10, time.Time{}, zerolog.Nop())
	count, err := poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.Len(t, client.Send, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(<-client.Send, &env))
	assert.Equal(t, store.EventEnqueued, env.Type)
	assert.True(t, env.CreatedAt.Equal(created))

	_, err = poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, source.cursors, 2)
	assert.Equal(t, "e2", source.cursors[1].LastEventID)
}

func TestPollOnceError(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	poller := NewPoller(source, New(zerolog.Nop()), 0, 0, time.Time{}, zerolog.Nop())
	_, err := poller.PollOnce(context.Background())
	assert.Error(t, err)
}
