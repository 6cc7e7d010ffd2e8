package postgres

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

const drainTimeout = 2 * time.Second

// Writer decouples detection from persistence. Enqueue never blocks; when
// the buffer is full the oldest-undelivered record is simply not written
// and the drop is counted.
type Writer struct {
	sink    *Sink
	ch      chan model.Opportunity
	metrics *metrics.MetricsRegistry
}

func NewWriter(sink *Sink, buffer int, m *metrics.MetricsRegistry) *Writer {
	return &Writer{
		sink:    sink,
		ch:      make(chan model.Opportunity, buffer),
		metrics: m,
	}
}

// Enqueue hands an opportunity to the background writer.
func (w *Writer) Enqueue(o model.Opportunity) {
	select {
	case w.ch <- o:
	default:
		w.metrics.RecordDrop("pg_sink")
		log.Warn().Str("id", o.ID).Msg("Opportunity write queue full, dropping record")
	}
}

// Run inserts queued records until ctx is cancelled, then drains whatever
// is still buffered with a bounded timeout per record.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case o := <-w.ch:
			w.insert(ctx, o)
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case o := <-w.ch:
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			w.insert(ctx, o)
			cancel()
		default:
			return
		}
	}
}

func (w *Writer) insert(ctx context.Context, o model.Opportunity) {
	if err := w.sink.Insert(ctx, o); err != nil {
		log.Warn().Err(err).Str("id", o.ID).Str("symbol", o.Symbol).Msg("Opportunity insert failed")
	}
}
