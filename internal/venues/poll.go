package venues

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

// requestTimeout bounds each REST request inside a polling cycle.
const requestTimeout = 5 * time.Second

// FetchFunc performs one polling cycle against the venue and returns the
// quotes parsed from its responses.
type FetchFunc func(ctx context.Context) ([]model.Quote, error)

// PollLoop drives a polling venue: a ticker-paced fetch cycle behind a
// circuit breaker. Fetch failures degrade the venue; an open breaker
// reports it closed until the breaker lets a probe through again.
type PollLoop struct {
	venue    string
	interval time.Duration
	sink     Sink
	metrics  *metrics.MetricsRegistry
	fetch    FetchFunc
	breaker  *gobreaker.CircuitBreaker

	startOnce sync.Once
	stopOnce  sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	mu    sync.Mutex
	state model.VenueState
}

// NewPollLoop builds the loop for one polling venue.
func NewPollLoop(s Settings, fetch FetchFunc) *PollLoop {
	p := &PollLoop{
		venue:    s.Venue,
		interval: s.PollInterval,
		sink:     s.Sink,
		metrics:  s.Metrics,
		fetch:    fetch,
		closeCh:  make(chan struct{}),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Venue,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Polling circuit breaker state change")
		},
	})
	return p
}

// Start launches the polling goroutine.
func (p *PollLoop) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run(ctx)
	})
	return nil
}

// Stop halts polling, bounded by ctx.
func (p *PollLoop) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.closeCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PollLoop) run(ctx context.Context) {
	defer p.wg.Done()

	p.setState(model.StateConnecting, nil)
	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.setState(model.StateClosed, nil)
			return
		case <-p.closeCh:
			p.setState(model.StateClosed, nil)
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *PollLoop) cycle(ctx context.Context) {
	start := time.Now()
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.metrics.ObservePoll(p.venue, "rejected", elapsed.Seconds())
			p.setState(model.StateClosed, err)
			return
		}
		log.Warn().Err(err).Str("venue", p.venue).Msg("Polling cycle failed")
		p.metrics.ObservePoll(p.venue, "error", elapsed.Seconds())
		p.setState(model.StateDegraded, err)
		return
	}

	quotes := result.([]model.Quote)
	p.metrics.ObservePoll(p.venue, "success", elapsed.Seconds())
	p.setState(model.StateOpen, nil)

	for _, q := range quotes {
		p.sink.Quote(q)
		p.metrics.RecordQuote(p.venue)
	}
}

func (p *PollLoop) setState(state model.VenueState, cause error) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.mu.Unlock()

	ev := model.StateEvent{Venue: p.venue, State: state, At: time.Now()}
	if cause != nil {
		ev.Err = cause.Error()
	}
	p.sink.State(ev)
}
