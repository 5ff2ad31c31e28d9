package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"fareindexer/internal/model"
)

// ErrNotFound is returned by Find* when no row matches the key.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the writer, interpreter and settlement
// engine. Create* never fails on an existing key: it returns created=false.
// Every method is safe to retry.
type Store interface {
	RawEventStore
	ActorStore
	PoolStore
	ConfigStore
	TrialStore
	Close()
}

type RawEventStore interface {
	InsertRawEvent(ctx context.Context, ev model.RawEvent) (created bool, err error)
	FindRawEvent(ctx context.Context, idx model.OrderIndex) (model.RawEvent, error)
}

type ActorStore interface {
	FindActor(ctx context.Context, wallet string) (model.Actor, error)
	CreateActor(ctx context.Context, actor model.Actor) (created bool, err error)
}

type PoolStore interface {
	FindPool(ctx context.Context, address string) (model.Pool, error)
	CreatePool(ctx context.Context, pool model.Pool) (created bool, err error)
	// UpdatePoolManager moves the manager only when idx is newer than the
	// pool's current manager index.
	UpdatePoolManager(ctx context.Context, address, manager string, idx model.OrderIndex) (updated bool, err error)
	CreatePoolManagerUpdate(ctx context.Context, update model.PoolManagerUpdate) (created bool, err error)
	CreatePoolAccumulation(ctx context.Context, acc model.PoolAccumulation) (created bool, err error)
	CreateFee(ctx context.Context, fee model.Fee) (created bool, err error)
	FindFee(ctx context.Context, idx model.OrderIndex) (model.Fee, error)
}

type ConfigStore interface {
	FindQkConfig(ctx context.Context, hash string) (model.QkConfig, error)
	CreateQkConfig(ctx context.Context, cfg model.QkConfig) (created bool, err error)
	FindGameConfig(ctx context.Context, hash string) (model.GameConfig, error)
	CreateGameConfig(ctx context.Context, cfg model.GameConfig) (created bool, err error)
}

type TrialStore interface {
	FindTrial(ctx context.Context, id string) (model.Trial, error)
	CreateTrial(ctx context.Context, trial model.Trial) (created bool, err error)
	CreateTrialResolution(ctx context.Context, res model.TrialResolution) (created bool, err error)
	// ResolveTrial records the result index and randomness unless the trial
	// already has them.
	ResolveTrial(ctx context.Context, res model.TrialResolution) (updated bool, err error)
	SettleTrial(ctx context.Context, id string, resultK, delta *big.Int) error
	FindGameInstance(ctx context.Context, id string) (model.GameInstance, error)
	CreateGameInstance(ctx context.Context, game model.GameInstance) (created bool, err error)
	UpdateGameResult(ctx context.Context, id string, result model.GameResult) error
}

// EnsureActor creates wallet's actor row if it is missing.
func EnsureActor(ctx context.Context, s ActorStore, wallet string, at time.Time) (bool, error) {
	if wallet == "" {
		return false, nil
	}
	if _, err := s.FindActor(ctx, wallet); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.CreateActor(ctx, model.Actor{WalletAddress: wallet, CreatedAt: at})
}
