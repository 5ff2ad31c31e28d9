package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAttempts    = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
)

// Options are shared by every Queue implementation.
type Options struct {
	Attempts    int
	Backoff     Backoff
	DeadLetters DeadLetterSink
	Recorder    Recorder
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoffBase
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultBackoffMax
	}
	if o.DeadLetters == nil {
		o.DeadLetters = &MemoryDeadLetters{}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// process runs handler for one delivery and applies the retry policy. It
// returns what the caller must do with the delivery and, for retries, after
// how long.
func (o Options) process(ctx context.Context, job Job, handler Handler) (decision, time.Duration) {
	start := time.Now()
	outcome, err := handler(ctx, job)
	d, reason := settle(outcome, err, job.Attempt, o.Attempts)

	fields := []zap.Field{
		zap.String("class", string(job.Class)),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
	}
	o.Recorder.JobFinished(job.Class, resultLabel(outcome, err, d), time.Since(start))
	if err == nil && outcome.Retryable() {
		o.Recorder.DependencyMissed(job.Class, outcome)
	}

	switch d {
	case decisionRetry:
		delay := o.Backoff.Delay(job.Attempt)
		if outcome.Kind == OutcomeIntegrity {
			o.Logger.Warn("integrity violation, retrying", append(fields, zap.String("dependency", outcome.Dependency), zap.Duration("delay", delay))...)
		} else {
			o.Logger.Debug("job retry scheduled", append(fields, zap.String("reason", reason), zap.Duration("delay", delay))...)
		}
		return d, delay
	case decisionDeadLetter:
		o.Logger.Error("job dead-lettered", append(fields, zap.String("reason", reason))...)
		if err := o.DeadLetters.Put(NewDeadLetter(job, reason)); err != nil {
			o.Logger.Error("dead letter write failed", append(fields, zap.Error(err))...)
		}
		return d, 0
	default:
		return d, 0
	}
}
