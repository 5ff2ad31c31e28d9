// Package settle computes trial outcomes from resolved results.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"fareindexer/internal/fixedpoint"
	"fareindexer/internal/model"
	"fareindexer/internal/notify"
	"fareindexer/internal/queue"
	"fareindexer/internal/storage"
)

// ErrResultIndexOutOfRange is returned when a result index has no K entry.
var ErrResultIndexOutOfRange = errors.New("result index out of range")

// Job is the payload of a settle job.
type Job struct {
	TrialID string `json:"trial_id"`
}

// NewJob builds the settle job of trialID.
func NewJob(trialID string) (queue.Job, error) {
	return queue.NewJob(queue.ClassSettle, queue.SettleKey(trialID), Job{TrialID: trialID})
}

// Delta returns (K[resultIndex] - 10^18) * multiplier / 10^18, truncated
// toward zero.
func Delta(k []*big.Int, resultIndex uint64, multiplier *big.Int) (*big.Int, error) {
	resultK, err := ResultK(k, resultIndex)
	if err != nil {
		return nil, err
	}
	gain := new(big.Int).Sub(resultK, fixedpoint.Unit)
	return fixedpoint.MulDiv(gain, multiplier, fixedpoint.Unit), nil
}

// ResultK returns a copy of K[resultIndex].
func ResultK(k []*big.Int, resultIndex uint64) (*big.Int, error) {
	if resultIndex >= uint64(len(k)) || k[resultIndex] == nil {
		return nil, fmt.Errorf("%w: %d of %d", ErrResultIndexOutOfRange, resultIndex, len(k))
	}
	return new(big.Int).Set(k[resultIndex]), nil
}

// Store is what the engine reads and writes.
type Store interface {
	FindTrial(ctx context.Context, id string) (model.Trial, error)
	FindQkConfig(ctx context.Context, hash string) (model.QkConfig, error)
	FindGameInstance(ctx context.Context, id string) (model.GameInstance, error)
	SettleTrial(ctx context.Context, id string, resultK, delta *big.Int) error
	UpdateGameResult(ctx context.Context, id string, result model.GameResult) error
}

// Engine handles settle jobs.
type Engine struct {
	store    Store
	notifier notify.Publisher
	logger   *zap.Logger
}

func NewEngine(store Store, notifier notify.Publisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{store: store, notifier: notifier, logger: logger}
}

// Handle settles one trial. Writes are deterministic, so a redelivery
// rewrites the same values.
func (e *Engine) Handle(ctx context.Context, job queue.Job) (queue.Outcome, error) {
	var req Job
	if err := job.Decode(&req); err != nil {
		return queue.Permanent(err.Error()), nil
	}
	if req.TrialID == "" {
		return queue.Permanent("settle job without trial id"), nil
	}
	return e.Settle(ctx, req.TrialID)
}

// Settle computes and stores the outcome of trialID.
func (e *Engine) Settle(ctx context.Context, trialID string) (queue.Outcome, error) {
	trial, err := e.store.FindTrial(ctx, trialID)
	if err != nil {
		return missing(err, "trial "+trialID)
	}
	if !trial.Resolved() {
		return queue.Missing("trial resolution " + trialID), nil
	}
	qk, err := e.store.FindQkConfig(ctx, trial.QkHash)
	if err != nil {
		return missing(err, "qk config "+trial.QkHash)
	}
	game, err := e.store.FindGameInstance(ctx, trialID)
	if err != nil {
		return missing(err, "game instance "+trialID)
	}

	resultK, err := ResultK(qk.K, *trial.ResultIndex)
	if err != nil {
		return queue.Permanent(fmt.Sprintf("trial %s: %v", trialID, err)), nil
	}
	delta, err := Delta(qk.K, *trial.ResultIndex, trial.Multiplier)
	if err != nil {
		return queue.Permanent(fmt.Sprintf("trial %s: %v", trialID, err)), nil
	}
	already := trial.Settled() && game.Result != nil

	if err := e.store.SettleTrial(ctx, trialID, resultK, delta); err != nil {
		return queue.Outcome{}, fmt.Errorf("settle trial %s: %w", trialID, err)
	}
	result := model.GameResult{
		ResultIndex: *trial.ResultIndex,
		Randomness:  trial.Randomness,
		DeltaAmount: delta,
	}
	if err := e.store.UpdateGameResult(ctx, trialID, result); err != nil {
		return queue.Outcome{}, fmt.Errorf("update game result %s: %w", trialID, err)
	}

	if !already {
		e.logger.Info("trial settled",
			zap.String("trial_id", trialID),
			zap.Uint64("result_index", result.ResultIndex),
			zap.String("delta_amount", delta.String()),
		)
		e.notifier.Publish(ctx, notify.TypeTrialSettled, map[string]interface{}{
			"trialId":     trialID,
			"who":         trial.Who,
			"poolAddress": trial.PoolAddress,
			"resultIndex": result.ResultIndex,
			"resultK":     resultK.String(),
			"deltaAmount": delta.String(),
		})
	}
	return queue.OK(), nil
}

func missing(err error, dependency string) (queue.Outcome, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Missing(dependency), nil
	}
	return queue.Outcome{}, err
}
