package queue

import (
	"fmt"
	"time"
)

// OutcomeKind tags a handler result.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	// OutcomeMissing: a required upstream entity is not visible yet.
	OutcomeMissing
	// OutcomeIntegrity: a referenced entity that should exist never does.
	// Retried like OutcomeMissing but reported separately.
	OutcomeIntegrity
	OutcomePermanent
)

// Outcome is the tagged result of a handler.
type Outcome struct {
	Kind       OutcomeKind
	Dependency string
	Reason     string
}

// OK acknowledges the job.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Missing asks for a backoff redelivery until dependency appears.
func Missing(dependency string) Outcome {
	return Outcome{Kind: OutcomeMissing, Dependency: dependency}
}

// Integrity asks for a redelivery and flags a data problem.
func Integrity(dependency string) Outcome {
	return Outcome{Kind: OutcomeIntegrity, Dependency: dependency}
}

// Permanent dead-letters the job immediately.
func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// Retryable reports whether the job should be redelivered.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeMissing || o.Kind == OutcomeIntegrity
}

// Label is the metrics/log label of the outcome kind.
func (o Outcome) Label() string {
	switch o.Kind {
	case OutcomeOK:
		return "ok"
	case OutcomeMissing:
		return "missing"
	case OutcomeIntegrity:
		return "integrity"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeMissing, OutcomeIntegrity:
		return fmt.Sprintf("%s: %s", o.Label(), o.Dependency)
	case OutcomePermanent:
		return fmt.Sprintf("permanent: %s", o.Reason)
	default:
		return o.Label()
	}
}

// Backoff is an exponential redelivery schedule.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^(attempt-1), capped at Max when Max is set.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

type decision int

const (
	decisionAck decision = iota
	decisionRetry
	decisionDeadLetter
)

// settle maps a handler result to what the queue does with the delivery.
// attempt is 1-based; a retryable result on the last attempt dead-letters.
func settle(outcome Outcome, err error, attempt, maxAttempts int) (decision, string) {
	if err != nil {
		if attempt >= maxAttempts {
			return decisionDeadLetter, fmt.Sprintf("error after %d attempts: %v", attempt, err)
		}
		return decisionRetry, err.Error()
	}
	switch {
	case outcome.Kind == OutcomeOK:
		return decisionAck, ""
	case outcome.Retryable():
		if attempt >= maxAttempts {
			return decisionDeadLetter, fmt.Sprintf("%s after %d attempts", outcome, attempt)
		}
		return decisionRetry, outcome.String()
	default:
		return decisionDeadLetter, outcome.String()
	}
}

// resultLabel is the metrics label for a finished delivery.
func resultLabel(outcome Outcome, err error, d decision) string {
	switch {
	case d == decisionDeadLetter && outcome.Kind != OutcomePermanent:
		return "dead_letter"
	case err != nil:
		return "error"
	default:
		return outcome.Label()
	}
}
