// Package pipeline batches decoded change events for delivery to a
// sink, respecting transaction boundaries and applying size, time and
// explicit-drain flush triggers.
package pipeline

import (
	"context"
	"time"

	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

// Batch is a run of events safe to hand to a sink together: it never
// splits a source transaction across two batches.
type Batch struct {
	Events    []wire.ChangeEvent
	MaxMarker wire.CommitMarker
}

// Sink accepts a flushed batch. Implementations are expected to retry
// internally; PushBatch returning an error means delivery has been
// given up on for this flush.
type Sink interface {
	PushBatch(ctx context.Context, batch Batch) error
}

// ConfirmFunc records a batch's high-water marker as durably
// delivered, so the reader can advance its confirmed position. It is
// only called after a successful PushBatch.
type ConfirmFunc func(ctx context.Context, marker wire.CommitMarker) error

// Pipeline is a single-consumer batcher: one Run goroutine drains the
// transaction queue and owns all batching state, so no locking is
// needed around the accumulator.
type Pipeline struct {
	txns    chan []wire.ChangeEvent
	drainRq chan chan struct{}

	flushSize     int
	flushInterval time.Duration

	sink    Sink
	confirm ConfirmFunc
	logger  *logging.Logger
}

// New creates a Pipeline. bufferSize bounds how many whole
// transactions may be queued before Push blocks, which is this
// daemon's backpressure mechanism: a slow sink stalls the reader
// rather than growing memory without bound.
func New(sink Sink, confirm ConfirmFunc, flushSize int, flushInterval time.Duration, bufferSize int, logger *logging.Logger) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Pipeline{
		txns:          make(chan []wire.ChangeEvent, bufferSize),
		drainRq:       make(chan chan struct{}),
		flushSize:     flushSize,
		flushInterval: flushInterval,
		sink:          sink,
		confirm:       confirm,
		logger:        logger,
	}
}

// Push enqueues one committed transaction's worth of events. It
// blocks if the internal buffer is full, propagating backpressure to
// whatever is decoding the wal stream.
func (p *Pipeline) Push(ctx context.Context, events []wire.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	select {
	case p.txns <- events:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain flushes any partially-filled batch and blocks until the flush
// (success or failure) has been attempted. The replicator calls this
// when a Relation message has changed a column's type, so events
// buffered under the old layout are flushed before any event decoded
// under the new one is queued.
func (p *Pipeline) Drain(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case p.drainRq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes queued transactions until ctx is cancelled, flushing
// on whichever trigger fires first: accumulated size, elapsed
// interval, or an explicit Drain request. On cancellation it makes one
// last attempt to flush whatever remains buffered.
func (p *Pipeline) Run(ctx context.Context) {
	buf := make([]wire.ChangeEvent, 0, p.flushSize)
	var maxMarker wire.CommitMarker

	timer := time.NewTimer(p.flushInterval)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.flushInterval)
	}

	flush := func() {
		if len(buf) == 0 {
			return
		}
		p.flush(ctx, buf, maxMarker)
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case txn, ok := <-p.txns:
			if !ok {
				flush()
				return
			}
			buf = append(buf, txn...)
			maxMarker = txn[len(txn)-1].Marker
			if len(buf) >= p.flushSize {
				flush()
				resetTimer()
			}

		case <-timer.C:
			flush()
			resetTimer()

		case reply := <-p.drainRq:
			flush()
			resetTimer()
			close(reply)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, events []wire.ChangeEvent, marker wire.CommitMarker) {
	batch := Batch{Events: append([]wire.ChangeEvent(nil), events...), MaxMarker: marker}
	if err := p.sink.PushBatch(ctx, batch); err != nil {
		if p.logger != nil {
			p.logger.Errorf("pipeline: flush of %d events failed, checkpoint not advanced: %v", len(batch.Events), err)
		}
		return
	}
	if p.confirm != nil {
		if err := p.confirm(ctx, marker); err != nil && p.logger != nil {
			p.logger.Errorf("pipeline: batch delivered but checkpoint confirm failed: %v", err)
		}
	}
}
