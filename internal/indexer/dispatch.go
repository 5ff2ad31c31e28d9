package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fareindexer/internal/model"
	"fareindexer/internal/queue"
)

// EventDecoder turns a transaction into ordered domain events.
type EventDecoder interface {
	DecodeTransaction(tx *model.Transaction) []model.Event
}

// Dispatcher is the single submission point shared by live and backfill
// paths. It holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	decoder  EventDecoder
	queue    queue.Enqueuer
	recorder Recorder
	logger   *zap.Logger
}

func NewDispatcher(decoder EventDecoder, q queue.Enqueuer, recorder Recorder, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{decoder: decoder, queue: q, recorder: recorder, logger: logger}
}

// Submit decodes tx and enqueues one raw-write job per event. It returns the
// number of events submitted.
func (d *Dispatcher) Submit(ctx context.Context, tx *model.Transaction) (int, error) {
	if tx == nil {
		return 0, nil
	}
	events := d.decoder.DecodeTransaction(tx)
	for _, ev := range events {
		job, err := buildRawJob(ev)
		if err != nil {
			return 0, err
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", job.Key, err)
		}
		d.recorder.EventDecoded(ev.Kind)
	}
	if len(events) > 0 {
		d.logger.Debug("transaction dispatched",
			zap.String("signature", tx.Signature()),
			zap.Uint64("slot", tx.Slot),
			zap.Int("events", len(events)),
		)
	}
	return len(events), nil
}
