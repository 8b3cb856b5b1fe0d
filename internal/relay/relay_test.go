package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinic/queue-service/internal/config"
	"clinic/queue-service/internal/store"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	pending   []store.OutboxEvent
	published []string
	lastID    string
	lastLimit int
}

func (f *fakeOutbox) Claim(ctx context.Context, eventID string, limit int, fn func(store.OutboxEvent) error) (int, error) {
	f.lastID = eventID
	f.lastLimit = limit
	count := 0
	var remaining []store.OutboxEvent
	var failed error
	for _, event := range f.pending {
		if failed != nil || (eventID != "" && event.EventID != eventID) || count >= limit {
			remaining = append(remaining, event)
			continue
		}
		if err := fn(event); err != nil {
			failed = err
			remaining = append(remaining, event)
			continue
		}
		f.published = append(f.published, event.EventID)
		count++
	}
	f.pending = remaining
	return count, failed
}

type fakePublisher struct {
	failOn    string
	failFirst string
	failed    bool
	sent      []string
}

func (f *fakePublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	if event.EventID == f.failOn {
		return errors.New("broker unavailable")
	}
	if event.EventID == f.failFirst && !f.failed {
		f.failed = true
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, event.EventID)
	return nil
}

func events(ids ...string) []store.OutboxEvent {
	out := make([]store.OutboxEvent, 0, len(ids))
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range ids {
		out = append(out, store.OutboxEvent{EventID: id, Type: store.EventEnqueued, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	return out
}

func TestProcessPendingPublishesBatch(t *testing.T) {
	outbox := &fakeOutbox{pending: events("e1", "e2", "e3")}
	publisher := &fakePublisher{}
	r := New(outbox, publisher, "", 2, nil, zerolog.Nop())

	count, err := r.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"e1", "e2"}, publisher.sent)
	assert.Equal(t, 2, outbox.lastLimit)
	assert.Len(t, outbox.pending, 1)
}

func TestProcessPendingStopsAtFailure(t *testing.T) {
	outbox := &fakeOutbox{pending: events("e1", "e2", "e3")}
	publisher := &fakePublisher{failOn: "e2"}
	r := New(outbox, publisher, "", 10, nil, zerolog.Nop())

	count, err := r.ProcessPending(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"e1"}, outbox.published)
	assert.Len(t, outbox.pending, 2)
}

func TestProcessEventTargetsSingleEvent(t *testing.T) {
	outbox := &fakeOutbox{pending: events("e1", "e2")}
	publisher := &fakePublisher{}
	r := New(outbox, publisher, "", 10, config.NewCircuitBreaker("Relay-PostgreSQL"), zerolog.Nop())

	require.NoError(t, r.ProcessEvent(context.Background(), "e2"))
	assert.Equal(t, "e2", outbox.lastID)
	assert.Equal(t, []string{"e2"}, publisher.sent)
}

func TestReadiness(t *testing.T) {
	r := New(&fakeOutbox{}, &fakePublisher{}, "", 10, config.NewCircuitBreaker("Relay-PostgreSQL"), zerolog.Nop())
	assert.True(t, r.IsHealthy())
	assert.True(t, r.IsReady())

	r.setHealthy(false)
	assert.False(t, r.IsReady())

	r.markProcessed()
	assert.True(t, r.IsReady())

	r.mu.Lock()
	r.lastProcessed = time.Now().Add(-2 * staleThreshold)
	r.mu.Unlock()
	assert.False(t, r.IsReady())
}

func TestRunSweepRetriesEventsDespiteSteadyNotifications(t *testing.T) {
	outbox := &fakeOutbox{pending: events("e1", "e2")}
	publisher := &fakePublisher{failFirst: "e1"}
	r := New(outbox, publisher, "", 10, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notify := make(chan *pq.Notification)
	sweep := make(chan time.Time)
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, notify, sweep, func() {}) }()

	// startup backlog fails on e1; traffic keeps flowing for e2
	notify <- &pq.Notification{Channel: ChannelName, Extra: "e2"}
	notify <- &pq.Notification{Channel: ChannelName, Extra: "e2"}
	sweep <- time.Now()
	notify <- &pq.Notification{Channel: ChannelName, Extra: "none"}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay loop did not stop")
	}
	assert.Equal(t, []string{"e2", "e1"}, publisher.sent)
	assert.Empty(t, outbox.pending)
}

func TestRunMarksUnhealthyOnLostConnection(t *testing.T) {
	r := New(&fakeOutbox{}, &fakePublisher{}, "", 10, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	notify := make(chan *pq.Notification)
	done := make(chan error, 1)
	go func() { done <- r.run(ctx, notify, nil, func() {}) }()

	notify <- nil
	notify <- nil
	assert.False(t, r.IsHealthy())
	cancel()
	<-done
}
