package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Class selects the worker pool a job runs on.
type Class string

const (
	ClassRawWrite  Class = "raw-write"
	ClassInterpret Class = "interpret"
	ClassSettle    Class = "settle"
)

// Classes lists every job class in pipeline order.
var Classes = []Class{ClassRawWrite, ClassInterpret, ClassSettle}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassRawWrite, ClassInterpret, ClassSettle:
		return true
	}
	return false
}

// Job is the queue envelope. Key is the idempotency key: a second job with
// the same key is dropped at enqueue time.
type Job struct {
	Class   Class           `json:"class"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	// Attempt is the 1-based delivery count, set by the queue.
	Attempt int `json:"attempt,omitempty"`
}

// NewJob marshals v as the payload.
func NewJob(class Class, key string, v interface{}) (Job, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s job %s: %w", class, key, err)
	}
	return Job{Class: class, Key: key, Payload: payload}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Class, j.Key, err)
	}
	return nil
}

// RawWriteKey is the idempotency key of a raw-event write.
func RawWriteKey(kind, signature string, instructionIndex, subOrder uint32) string {
	return fmt.Sprintf("raw-%s-%s-%d-%d", kind, signature, instructionIndex, subOrder)
}

// InterpretKey is the idempotency key of an interpret job.
func InterpretKey(orderIndex string) string {
	return "interpret-" + orderIndex
}

// SettleKey is the idempotency key of a settle job.
func SettleKey(trialID string) string {
	return "settle-" + trialID
}

// Handler processes one job. A non-nil error is an infrastructure failure and
// is retried like a missing dependency.
type Handler func(ctx context.Context, job Job) (Outcome, error)

// Enqueuer submits jobs.
type Enqueuer interface {
	// Enqueue submits job. A duplicate key is a no-op, not an error.
	Enqueue(ctx context.Context, job Job) error
}

// Queue is a durable at-least-once job queue.
type Queue interface {
	Enqueuer
	// Run consumes class with up to concurrency handlers in flight. It blocks
	// until ctx is cancelled, then stops pulling and waits for in-flight
	// handlers, which run on a context that is not cancelled with ctx.
	Run(ctx context.Context, class Class, concurrency int, handler Handler) error
	Close() error
}

// Recorder observes job results.
type Recorder interface {
	JobFinished(class Class, result string, elapsed time.Duration)
	DependencyMissed(class Class, outcome Outcome)
}

type nopRecorder struct{}

func (nopRecorder) JobFinished(Class, string, time.Duration) {}
func (nopRecorder) DependencyMissed(Class, Outcome)          {}
