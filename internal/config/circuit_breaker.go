package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// NewCircuitBreaker returns a breaker that opens after 3 consecutive failures.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     breakerTimeout(name),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

func breakerTimeout(name string) time.Duration {
	switch name {
	case "Redis-Roles":
		return 5 * time.Second
	case "PostgreSQL", "Relay-PostgreSQL":
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}
