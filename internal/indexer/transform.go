package indexer

import (
	"fmt"

	"fareindexer/internal/model"
	"fareindexer/internal/queue"
)

// buildRawJob stamps ev with its order index and wraps it in a raw-write job.
func buildRawJob(ev model.Event) (queue.Job, error) {
	if !model.ValidPosition(ev.InstructionIndex, ev.InnerIndex) {
		return queue.Job{}, fmt.Errorf("event %s in %s: position %d/%d out of range", ev.Kind, ev.Signature, ev.InstructionIndex, ev.InnerIndex)
	}
	key := queue.RawWriteKey(string(ev.Kind), ev.Signature, ev.InstructionIndex, ev.InnerIndex)
	return queue.NewJob(queue.ClassRawWrite, key, model.NewRawEvent(ev))
}
