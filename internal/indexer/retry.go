package indexer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"fareindexer/internal/queue"
)

const defaultRetryBase = 100 * time.Millisecond

// JSON-RPC codes that will not change on a retry.
var permanentRPCCodes = map[int]bool{
	-32600: true, // invalid request
	-32601: true, // method not found
	-32602: true, // invalid params
}

// rpcRetry retries node calls on the queue's exponential backoff schedule.
type rpcRetry struct {
	maxRetries int
	backoff    queue.Backoff
}

func newRPCRetry(maxRetries int, base, max time.Duration) rpcRetry {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = defaultRetryBase
	}
	return rpcRetry{maxRetries: maxRetries, backoff: queue.Backoff{Base: base, Max: max}}
}

// do runs fn until it succeeds, fails permanently or maxRetries retries are
// spent. Cancelling ctx ends the loop with ctx.Err().
func (r rpcRetry) do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > r.maxRetries || !retryableRPC(err) {
			return err
		}

		timer := time.NewTimer(r.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retryableRPC reports whether err may clear up on a later call: transport
// failures, rate limits, 5xx responses and node-side errors such as an
// unhealthy node or a slot not yet available.
func retryableRPC(err error) bool {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return !permanentRPCCodes[rpcErr.ErrorCode()]
	}
	return true
}
