package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"clinic/queue-service/internal/store"

	"github.com/rs/zerolog"
)

type OutboxSource interface {
	ListOutboxEvents(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error)
}

// Envelope is the message pushed to realtime clients. It only signals a
// change; clients re-read the department queue.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Poller follows outbox_events and fans new rows out to the hub.
type Poller struct {
	source    OutboxSource
	hub       *Hub
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
	cursor    store.OutboxCursor
	running   int32
}

func NewPoller(source OutboxSource, h *Hub, interval time.Duration, batchSize int, start time.Time, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Poller{
		source:    source,
		hub:       h,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		cursor:    store.OutboxCursor{LastEventTime: start},
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
				continue
			}
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("realtime outbox poll failed")
			}
			atomic.StoreInt32(&p.running, 0)
		}
	}
}

// PollOnce drains up to one batch and returns how many events were broadcast.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := p.source.ListOutboxEvents(queryCtx, p.cursor, p.batchSize)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		p.cursor.Advance(event)
		payload, err := json.Marshal(Envelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt})
		if err != nil {
			continue
		}
		meta := extractMeta(event.Payload)
		meta.OrganizationID = event.OrganizationID
		p.hub.Broadcast(payload, meta)
	}
	return len(events), nil
}

func extractMeta(payload []byte) Subscription {
	var data struct {
		DepartmentID string `json:"department_id"`
		DoctorID     string `json:"doctor_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return Subscription{}
	}
	return Subscription{DepartmentID: data.DepartmentID, DoctorID: data.DoctorID}
}
