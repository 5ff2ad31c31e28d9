// Package interpret turns stored raw events into domain entities.
//
// Each routine is idempotent by the entity's natural key and reports a
// missing upstream entity as an outcome rather than an error, so the queue
// redelivers it with backoff until the dependency lands.
package interpret

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fareindexer/internal/fixedpoint"
	"fareindexer/internal/model"
	"fareindexer/internal/notify"
	"fareindexer/internal/queue"
	"fareindexer/internal/settle"
	"fareindexer/internal/storage"
	"fareindexer/internal/writer"
)

// Interpreter handles interpret jobs.
type Interpreter struct {
	store    storage.Store
	queue    queue.Enqueuer
	notifier notify.Publisher
	logger   *zap.Logger
}

func New(store storage.Store, q queue.Enqueuer, notifier notify.Publisher, logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Interpreter{store: store, queue: q, notifier: notifier, logger: logger}
}

// Handle loads the raw event named by the job and interprets it.
func (i *Interpreter) Handle(ctx context.Context, job queue.Job) (queue.Outcome, error) {
	var req writer.InterpretJob
	if err := job.Decode(&req); err != nil {
		return queue.Permanent(err.Error()), nil
	}
	ev, err := i.store.FindRawEvent(ctx, req.OrderIndex)
	if err != nil {
		return dependency(err, "raw event "+req.OrderIndex.String())
	}
	return i.Interpret(ctx, ev)
}

// Interpret applies one raw event.
func (i *Interpreter) Interpret(ctx context.Context, ev model.RawEvent) (queue.Outcome, error) {
	switch ev.Kind {
	case model.KindPoolRegistered:
		if ev.PoolRegistered == nil {
			return noPayload(ev)
		}
		return i.poolRegistered(ctx, ev, ev.PoolRegistered)
	case model.KindPoolManagerUpdated:
		if ev.PoolManagerUpdated == nil {
			return noPayload(ev)
		}
		return i.poolManagerUpdated(ctx, ev, ev.PoolManagerUpdated)
	case model.KindQkWithConfigRegistered:
		if ev.QkConfig == nil {
			return noPayload(ev)
		}
		return i.qkConfigRegistered(ctx, ev, ev.QkConfig)
	case model.KindTrialRegistered:
		if ev.TrialRegistered == nil {
			return noPayload(ev)
		}
		return i.trialRegistered(ctx, ev, ev.TrialRegistered)
	case model.KindFeeCharged:
		if ev.FeeCharged == nil {
			return noPayload(ev)
		}
		return i.feeCharged(ctx, ev, ev.FeeCharged)
	case model.KindPoolAccumulatedAmountUpdated, model.KindPoolAccumulatedAmountReleased:
		if ev.PoolAccumulation == nil {
			return noPayload(ev)
		}
		return i.poolAccumulation(ctx, ev, ev.PoolAccumulation)
	case model.KindTrialResolved:
		if ev.TrialResolved == nil {
			return noPayload(ev)
		}
		return i.trialResolved(ctx, ev, ev.TrialResolved)
	default:
		return queue.Permanent(fmt.Sprintf("unknown event kind %q", ev.Kind)), nil
	}
}

func (i *Interpreter) poolRegistered(ctx context.Context, ev model.RawEvent, d *model.PoolRegisteredData) (queue.Outcome, error) {
	if _, err := storage.EnsureActor(ctx, i.store, d.ManagerAddress, ev.BlockTime); err != nil {
		return queue.Outcome{}, fmt.Errorf("ensure manager %s: %w", d.ManagerAddress, err)
	}
	pool := model.Pool{
		Address:           d.PoolAddress,
		Manager:           d.ManagerAddress,
		ManagerOrderIndex: ev.OrderIndex,
		FeePlayMultiplier: d.FeePlayMultiplier,
		FeeLossMultiplier: d.FeeLossMultiplier,
		FeeMintMultiplier: d.FeeMintMultiplier,
		FeeHostPercent:    d.FeeHostPercent,
		FeePoolPercent:    d.FeePoolPercent,
		MinLimitForTicket: d.MinLimitForTicket,
		Probability:       d.Probability,
		RegisteredIndex:   ev.OrderIndex,
		RegisteredAt:      ev.BlockTime,
	}
	created, err := i.store.CreatePool(ctx, pool)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("create pool %s: %w", d.PoolAddress, err)
	}
	if created {
		i.logger.Info("pool registered",
			zap.String("pool", d.PoolAddress),
			zap.String("manager", d.ManagerAddress),
		)
		i.notifier.Publish(ctx, notify.TypePoolRegistered, map[string]interface{}{
			"address":           d.PoolAddress,
			"managerAddress":    d.ManagerAddress,
			"feePlayMultiplier": fixedpoint.String(d.FeePlayMultiplier),
			"probability":       fixedpoint.String(d.Probability),
		})
	}
	return queue.OK(), nil
}

func (i *Interpreter) poolManagerUpdated(ctx context.Context, ev model.RawEvent, d *model.PoolManagerUpdatedData) (queue.Outcome, error) {
	if _, err := i.store.FindPool(ctx, d.PoolAddress); err != nil {
		return dependency(err, "pool "+d.PoolAddress)
	}
	if _, err := storage.EnsureActor(ctx, i.store, d.NewManager, ev.BlockTime); err != nil {
		return queue.Outcome{}, fmt.Errorf("ensure manager %s: %w", d.NewManager, err)
	}
	update := model.PoolManagerUpdate{
		OrderIndex:  ev.OrderIndex,
		PoolAddress: d.PoolAddress,
		NewManager:  d.NewManager,
	}
	if _, err := i.store.CreatePoolManagerUpdate(ctx, update); err != nil {
		return queue.Outcome{}, fmt.Errorf("create manager update %s: %w", ev.OrderIndex, err)
	}
	moved, err := i.store.UpdatePoolManager(ctx, d.PoolAddress, d.NewManager, ev.OrderIndex)
	if err != nil {
		return dependency(err, "pool "+d.PoolAddress)
	}
	if moved {
		i.logger.Info("pool manager updated",
			zap.String("pool", d.PoolAddress),
			zap.String("manager", d.NewManager),
			zap.String("order_index", ev.OrderIndex.String()),
		)
	}
	return queue.OK(), nil
}

func (i *Interpreter) qkConfigRegistered(ctx context.Context, ev model.RawEvent, d *model.QkConfigData) (queue.Outcome, error) {
	cfg := model.QkConfig{
		Hash:              d.Hash,
		OrderIndex:        ev.OrderIndex,
		Q:                 d.Q,
		K:                 d.K,
		FeeLossMultiplier: d.FeeLossMultiplier,
		FeeMintMultiplier: d.FeeMintMultiplier,
		EffectiveEV:       d.EffectiveEV,
	}
	created, err := i.store.CreateQkConfig(ctx, cfg)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("create qk config %s: %w", d.Hash, err)
	}
	if created {
		i.logger.Debug("qk config registered", zap.String("hash", d.Hash), zap.Int("entries", len(d.K)))
	}
	return queue.OK(), nil
}

func (i *Interpreter) trialRegistered(ctx context.Context, ev model.RawEvent, d *model.TrialRegisteredData) (queue.Outcome, error) {
	if _, err := i.store.FindPool(ctx, d.PoolAddress); err != nil {
		return dependency(err, "pool "+d.PoolAddress)
	}
	if _, err := i.store.FindQkConfig(ctx, d.QkHash); err != nil {
		return dependency(err, "qk config "+d.QkHash)
	}
	if _, err := i.store.FindGameConfig(ctx, d.ExtraDataHash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Integrity("game config " + d.ExtraDataHash), nil
		}
		return queue.Outcome{}, err
	}
	if _, err := storage.EnsureActor(ctx, i.store, d.Who, ev.BlockTime); err != nil {
		return queue.Outcome{}, fmt.Errorf("ensure player %s: %w", d.Who, err)
	}

	trial := model.Trial{
		ID:              d.TrialID,
		PoolAddress:     d.PoolAddress,
		Who:             d.Who,
		QkHash:          d.QkHash,
		ExtraDataHash:   d.ExtraDataHash,
		Multiplier:      d.Multiplier,
		WagerAmount:     d.WagerAmount,
		RegisteredIndex: ev.OrderIndex,
		RegisteredAt:    ev.BlockTime,
	}
	created, err := i.store.CreateTrial(ctx, trial)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("create trial %s: %w", d.TrialID, err)
	}
	game := model.GameInstance{ID: d.TrialID, GameConfigHash: d.ExtraDataHash}
	if _, err := i.store.CreateGameInstance(ctx, game); err != nil {
		return queue.Outcome{}, fmt.Errorf("create game instance %s: %w", d.TrialID, err)
	}

	if !d.ResolvedInTx {
		stored, err := i.store.FindTrial(ctx, d.TrialID)
		if err != nil {
			return queue.Outcome{}, fmt.Errorf("reload trial %s: %w", d.TrialID, err)
		}
		if stored.Resolved() && !stored.Settled() {
			if err := i.enqueueSettle(ctx, d.TrialID); err != nil {
				return queue.Outcome{}, err
			}
		}
	}

	if created {
		i.logger.Info("trial registered",
			zap.String("trial_id", d.TrialID),
			zap.String("pool", d.PoolAddress),
			zap.String("who", d.Who),
		)
		i.notifier.Publish(ctx, notify.TypeTrialRegistered, map[string]interface{}{
			"trialId":     d.TrialID,
			"who":         d.Who,
			"poolAddress": d.PoolAddress,
			"multiplier":  fixedpoint.String(d.Multiplier),
			"qkHash":      d.QkHash,
		})
	}
	return queue.OK(), nil
}

func (i *Interpreter) feeCharged(ctx context.Context, ev model.RawEvent, d *model.FeeChargedData) (queue.Outcome, error) {
	pool, err := i.store.FindPool(ctx, d.PoolAddress)
	if err != nil {
		return dependency(err, "pool "+d.PoolAddress)
	}
	if _, err := i.store.FindTrial(ctx, d.TrialID); err != nil {
		return dependency(err, "trial "+d.TrialID)
	}
	fee := model.Fee{
		OrderIndex:  ev.OrderIndex,
		FeeType:     d.FeeType,
		PoolAddress: d.PoolAddress,
		TrialID:     d.TrialID,
		FeeAmount:   d.FeeAmount,
		HostPercent: pool.FeeHostPercent,
		PoolPercent: pool.FeePoolPercent,
		HostAmount:  fixedpoint.Scale(d.FeeAmount, pool.FeeHostPercent),
		PoolAmount:  fixedpoint.Scale(d.FeeAmount, pool.FeePoolPercent),
	}
	if _, err := i.store.CreateFee(ctx, fee); err != nil {
		return queue.Outcome{}, fmt.Errorf("create fee %s: %w", ev.OrderIndex, err)
	}
	return queue.OK(), nil
}

func (i *Interpreter) poolAccumulation(ctx context.Context, ev model.RawEvent, d *model.PoolAccumulationData) (queue.Outcome, error) {
	if _, err := i.store.FindPool(ctx, d.PoolAddress); err != nil {
		return dependency(err, "pool "+d.PoolAddress)
	}
	if _, err := i.store.FindTrial(ctx, d.TrialID); err != nil {
		return dependency(err, "trial "+d.TrialID)
	}
	kind := model.AccumulationUpdated
	if ev.Kind == model.KindPoolAccumulatedAmountReleased {
		kind = model.AccumulationReleased
		if _, err := storage.EnsureActor(ctx, i.store, d.Receiver, ev.BlockTime); err != nil {
			return queue.Outcome{}, fmt.Errorf("ensure receiver %s: %w", d.Receiver, err)
		}
	}
	acc := model.PoolAccumulation{
		OrderIndex:  ev.OrderIndex,
		Kind:        kind,
		PoolAddress: d.PoolAddress,
		TrialID:     d.TrialID,
		Receiver:    d.Receiver,
		Amount:      d.Amount,
	}
	if _, err := i.store.CreatePoolAccumulation(ctx, acc); err != nil {
		return queue.Outcome{}, fmt.Errorf("create accumulation %s: %w", ev.OrderIndex, err)
	}
	return queue.OK(), nil
}

func (i *Interpreter) trialResolved(ctx context.Context, ev model.RawEvent, d *model.TrialResolvedData) (queue.Outcome, error) {
	if _, err := i.store.FindTrial(ctx, d.TrialID); err != nil {
		return dependency(err, "trial "+d.TrialID)
	}
	res := model.TrialResolution{
		OrderIndex:  ev.OrderIndex,
		TrialID:     d.TrialID,
		ResultIndex: d.ResultIndex,
		Randomness:  d.Randomness,
	}
	if _, err := i.store.CreateTrialResolution(ctx, res); err != nil {
		return queue.Outcome{}, fmt.Errorf("create resolution %s: %w", ev.OrderIndex, err)
	}
	resolved, err := i.store.ResolveTrial(ctx, res)
	if err != nil {
		return dependency(err, "trial "+d.TrialID)
	}
	if err := i.enqueueSettle(ctx, d.TrialID); err != nil {
		return queue.Outcome{}, err
	}
	if resolved {
		i.logger.Info("trial resolved",
			zap.String("trial_id", d.TrialID),
			zap.Uint64("result_index", d.ResultIndex),
		)
		i.notifier.Publish(ctx, notify.TypeTrialResolved, map[string]interface{}{
			"trialId":     d.TrialID,
			"resultIndex": d.ResultIndex,
			"randomness":  fixedpoint.String(d.Randomness),
		})
	}
	return queue.OK(), nil
}

func (i *Interpreter) enqueueSettle(ctx context.Context, trialID string) error {
	job, err := settle.NewJob(trialID)
	if err != nil {
		return err
	}
	if err := i.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue settle %s: %w", trialID, err)
	}
	return nil
}

func dependency(err error, name string) (queue.Outcome, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Missing(name), nil
	}
	return queue.Outcome{}, err
}

func noPayload(ev model.RawEvent) (queue.Outcome, error) {
	return queue.Permanent(fmt.Sprintf("%s event %s has no payload", ev.Kind, ev.OrderIndex)), nil
}
