package venues

import (
	"context"
	"time"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
)

// Adapter owns exactly one venue connection. Start is non-blocking and
// spawns the adapter's goroutines; Stop releases the transport within the
// bound of its context or abandons it.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sink receives normalized quotes and connection-state transitions from
// adapters. Implementations must never block the caller.
type Sink interface {
	Quote(model.Quote)
	State(model.StateEvent)
}

// Settings carries the per-venue wiring an adapter needs at construction.
// Symbols stay in the venue's native ticker form.
type Settings struct {
	Venue                string
	WSURL                string
	RestURL              string
	Symbols              []string
	PollInterval         time.Duration
	WatchdogInterval     time.Duration
	MaxReconnectAttempts int

	Normalizer *symbols.Normalizer
	Sink       Sink
	Metrics    *metrics.MetricsRegistry
}
