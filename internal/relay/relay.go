package relay

import (
	"context"
	"sync"
	"time"

	"clinic/queue-service/internal/store"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	ChannelName = "queue_outbox"

	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute

	eventProcessTimeout     = 30 * time.Second
	batchProcessTimeout     = 60 * time.Second
	periodicProcessInterval = 90 * time.Second
	staleThreshold          = 5 * time.Minute
)

var publishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbox_relay_published_total",
		Help: "Outbox events handed to the broker, by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(publishedTotal)
}

type Outbox interface {
	Claim(ctx context.Context, eventID string, limit int, fn func(store.OutboxEvent) error) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

// Relay moves outbox events to the broker. It wakes on NOTIFY queue_outbox
// and also sweeps periodically in case a notification was missed.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	dbURL     string
	batchSize int
	dbCB      *gobreaker.CircuitBreaker
	logger    zerolog.Logger

	mu            sync.RWMutex
	lastProcessed time.Time
	healthy       bool
}

func New(outbox Outbox, publisher Publisher, dbURL string, batchSize int, dbCB *gobreaker.CircuitBreaker, logger zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		outbox:        outbox,
		publisher:     publisher,
		dbURL:         dbURL,
		batchSize:     batchSize,
		dbCB:          dbCB,
		logger:        logger,
		lastProcessed: time.Now(),
		healthy:       true,
	}
}

// IsHealthy reports liveness.
func (r *Relay) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// IsReady is false while the database breaker is open or nothing has been
// processed for a while.
func (r *Relay) IsReady() bool {
	if r.dbCB != nil && r.dbCB.State() == gobreaker.StateOpen {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if time.Since(r.lastProcessed) > staleThreshold {
		return false
	}
	return r.healthy
}

// Start blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			r.logger.Error().Err(err).Msg("outbox listener error")
		}
	}
	listener := pq.NewListener(r.dbURL, listenerMinReconnectInterval, listenerMaxReconnectInterval, reportProblem)
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		return err
	}
	r.logger.Info().Str("channel", ChannelName).Msg("outbox relay listening")

	ticker := time.NewTicker(periodicProcessInterval)
	defer ticker.Stop()
	return r.run(ctx, listener.Notify, ticker.C, func() { _ = listener.Ping() })
}

// run drains the startup backlog, then serves notifications and sweep ticks.
// The sweep ticker is independent of notification traffic, so an event whose
// notify-path publish failed is retried within one sweep interval.
func (r *Relay) run(ctx context.Context, notify <-chan *pq.Notification, sweep <-chan time.Time, ping func()) error {
	if _, err := r.ProcessPending(ctx); err != nil {
		r.logger.Error().Err(err).Msg("outbox relay startup backlog failed")
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay shutting down")
			return ctx.Err()

		case notification := <-notify:
			if notification == nil {
				// connection lost; pq reconnects and we sweep on the next tick
				r.setHealthy(false)
				continue
			}
			if err := r.ProcessEvent(ctx, notification.Extra); err != nil {
				r.logger.Error().Err(err).Str("event_id", notification.Extra).Msg("outbox relay event failed")
				continue
			}
			r.markProcessed()

		case <-sweep:
			go ping()
			if _, err := r.ProcessPending(ctx); err != nil {
				r.logger.Error().Err(err).Msg("outbox relay periodic sweep failed")
				continue
			}
			r.markProcessed()
		}
	}
}

// ProcessEvent publishes a single notified event.
func (r *Relay) ProcessEvent(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, eventProcessTimeout)
	defer cancel()
	_, err := r.claim(ctx, eventID, 1)
	return err
}

// ProcessPending publishes one batch of unpublished events.
func (r *Relay) ProcessPending(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, batchProcessTimeout)
	defer cancel()
	return r.claim(ctx, "", r.batchSize)
}

func (r *Relay) claim(ctx context.Context, eventID string, limit int) (int, error) {
	run := func() (interface{}, error) {
		return r.outbox.Claim(ctx, eventID, limit, func(event store.OutboxEvent) error {
			if err := r.publisher.Publish(ctx, event); err != nil {
				publishedTotal.WithLabelValues("error").Inc()
				return err
			}
			publishedTotal.WithLabelValues("ok").Inc()
			r.logger.Debug().Str("event_id", event.EventID).Str("type", event.Type).Msg("outbox event published")
			return nil
		})
	}
	var result interface{}
	var err error
	if r.dbCB != nil {
		result, err = r.dbCB.Execute(run)
	} else {
		result, err = run()
	}
	count, _ := result.(int)
	return count, err
}

func (r *Relay) markProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProcessed = time.Now()
	r.healthy = true
}

func (r *Relay) setHealthy(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = healthy
}
