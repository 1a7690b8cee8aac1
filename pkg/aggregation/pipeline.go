// Package aggregation coalesces frequent telemetry updates into periodic bulk
// writes against the aggregates table.
//
// Producers call TrySend, which never blocks: when the buffer is full the
// update is dropped. A single consumer (Run) keeps the latest value per
// aggregate and writes the batch when it reaches BatchSize or when
// FlushInterval elapses. Rows that were locked by another writer are kept
// and retried on the next flush unless a newer value replaced them.
package aggregation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"node-coordinator/pkg/config"
	"node-coordinator/pkg/metrics"
)

const shutdownFlushTimeout = 10 * time.Second

// Message sets the value of one aggregate.
type Message struct {
	AggregateID uuid.UUID
	Value       float64
}

// Store writes aggregate values, skipping rows locked elsewhere, and returns
// the ids it wrote.
type Store interface {
	SetAggregateValues(ctx context.Context, values map[uuid.UUID]float64) ([]uuid.UUID, error)
}

type Pipeline struct {
	ch            chan Message
	store         Store
	batchSize     int
	flushInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Collector
}

func NewPipeline(store Store, cfg config.Aggregation, clk clock.Clock, logger *slog.Logger, m *metrics.Collector) *Pipeline {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ch:            make(chan Message, cfg.Buffer),
		store:         store,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		clock:         clk,
		logger:        logger,
		metrics:       m,
	}
}

// TrySend enqueues msg without blocking. It returns false when the buffer is
// full or the value is not finite.
func (p *Pipeline) TrySend(msg Message) bool {
	if math.IsNaN(msg.Value) || math.IsInf(msg.Value, 0) {
		p.logger.Warn("Dropping non-finite aggregate value", "aggregate", msg.AggregateID, "value", msg.Value)
		p.metrics.RecordDropped()
		return false
	}
	select {
	case p.ch <- msg:
		p.metrics.RecordEnqueued()
		return true
	default:
		p.metrics.RecordDropped()
		return false
	}
}

// Len is the number of buffered, not yet consumed, messages.
func (p *Pipeline) Len() int {
	return len(p.ch)
}

// Run consumes the buffer until ctx is cancelled, then drains what is left
// and flushes once more.
func (p *Pipeline) Run(ctx context.Context) {
	pending := make(map[uuid.UUID]float64, p.batchSize)
	ticker := p.clock.Ticker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.ch:
			pending[msg.AggregateID] = msg.Value
			if len(pending) >= p.batchSize {
				p.flush(ctx, pending)
			}
		case <-ticker.C:
			p.flush(ctx, pending)
		case <-ctx.Done():
			p.drain(pending)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			p.flush(flushCtx, pending)
			cancel()
			if len(pending) > 0 {
				p.logger.Warn("Aggregate updates lost on shutdown", "count", len(pending))
			}
			return
		}
	}
}

func (p *Pipeline) drain(pending map[uuid.UUID]float64) {
	for {
		select {
		case msg := <-p.ch:
			pending[msg.AggregateID] = msg.Value
		default:
			return
		}
	}
}

// flush writes pending and removes the ids that were written. On error the
// whole batch stays pending.
func (p *Pipeline) flush(ctx context.Context, pending map[uuid.UUID]float64) {
	p.metrics.SetAggregationBuffered(p.Len())
	if len(pending) == 0 {
		return
	}
	batch := make(map[uuid.UUID]float64, len(pending))
	for id, v := range pending {
		batch[id] = v
	}

	written, err := p.store.SetAggregateValues(ctx, batch)
	if err != nil {
		p.logger.Error("Failed to write aggregates", "count", len(batch), "error", err)
		p.metrics.RecordFlush(0, 0, len(pending))
		return
	}
	for _, id := range written {
		delete(pending, id)
	}

	skipped := len(batch) - len(written)
	if skipped > 0 {
		p.logger.Debug("Aggregates locked, retrying next flush", "skipped", skipped)
	}
	p.metrics.RecordFlush(len(written), skipped, len(pending))
}
