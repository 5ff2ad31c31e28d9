// Package writer persists raw events and hands them to the interpreter.
package writer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fareindexer/internal/model"
	"fareindexer/internal/queue"
	"fareindexer/internal/storage"
)

// InterpretJob is the payload of an interpret job.
type InterpretJob struct {
	OrderIndex model.OrderIndex `json:"order_index"`
}

// Writer handles raw-write jobs.
type Writer struct {
	store  storage.RawEventStore
	queue  queue.Enqueuer
	logger *zap.Logger
}

func New(store storage.RawEventStore, q queue.Enqueuer, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, queue: q, logger: logger}
}

// Handle inserts the raw event if absent and enqueues its interpret job. An
// existing row is success: the interpret enqueue is repeated and deduplicated
// by key.
func (w *Writer) Handle(ctx context.Context, job queue.Job) (queue.Outcome, error) {
	var ev model.RawEvent
	if err := job.Decode(&ev); err != nil {
		return queue.Permanent(err.Error()), nil
	}
	if !ev.Kind.Valid() {
		return queue.Permanent(fmt.Sprintf("unknown event kind %q", ev.Kind)), nil
	}
	if want := ev.Event.OrderIndex(); want.Cmp(ev.OrderIndex) != 0 {
		return queue.Permanent(fmt.Sprintf("order index %s does not match position %s", ev.OrderIndex, want)), nil
	}

	created, err := w.store.InsertRawEvent(ctx, ev)
	if err != nil {
		return queue.Outcome{}, err
	}
	if created {
		w.logger.Debug("raw event stored",
			zap.String("order_index", ev.OrderIndex.String()),
			zap.String("kind", string(ev.Kind)),
			zap.String("signature", ev.Signature),
		)
	}

	next, err := queue.NewJob(queue.ClassInterpret, queue.InterpretKey(ev.OrderIndex.String()), InterpretJob{OrderIndex: ev.OrderIndex})
	if err != nil {
		return queue.Outcome{}, err
	}
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return queue.Outcome{}, fmt.Errorf("enqueue interpret %s: %w", ev.OrderIndex, err)
	}
	return queue.OK(), nil
}
