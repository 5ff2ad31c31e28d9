// Package memory is an in-process storage.Store for tests and local runs.
package memory

import (
	"context"
	"math/big"
	"sync"

	"fareindexer/internal/model"
	"fareindexer/internal/storage"
)

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	rawEvents    map[string]model.RawEvent
	actors       map[string]model.Actor
	pools        map[string]model.Pool
	managers     map[string]model.PoolManagerUpdate
	accums       map[string]model.PoolAccumulation
	fees         map[string]model.Fee
	qkConfigs    map[string]model.QkConfig
	gameConfigs  map[string]model.GameConfig
	trials       map[string]model.Trial
	resolutions  map[string]model.TrialResolution
	games        map[string]model.GameInstance
	rawInsertErr error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rawEvents:   make(map[string]model.RawEvent),
		actors:      make(map[string]model.Actor),
		pools:       make(map[string]model.Pool),
		managers:    make(map[string]model.PoolManagerUpdate),
		accums:      make(map[string]model.PoolAccumulation),
		fees:        make(map[string]model.Fee),
		qkConfigs:   make(map[string]model.QkConfig),
		gameConfigs: make(map[string]model.GameConfig),
		trials:      make(map[string]model.Trial),
		resolutions: make(map[string]model.TrialResolution),
		games:       make(map[string]model.GameInstance),
	}
}

func (s *Store) Close() {}

// FailRawInserts makes InsertRawEvent return err until called with nil.
func (s *Store) FailRawInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawInsertErr = err
}

func (s *Store) InsertRawEvent(_ context.Context, ev model.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawInsertErr != nil {
		return false, s.rawInsertErr
	}
	return insert(s.rawEvents, ev.OrderIndex.String(), ev), nil
}

func (s *Store) FindRawEvent(_ context.Context, idx model.OrderIndex) (model.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.rawEvents, idx.String())
}

// RawEvents returns the stored raw events count.
func (s *Store) RawEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rawEvents)
}

func (s *Store) FindActor(_ context.Context, wallet string) (model.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.actors, wallet)
}

func (s *Store) CreateActor(_ context.Context, actor model.Actor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.actors, actor.WalletAddress, actor), nil
}

func (s *Store) FindPool(_ context.Context, address string) (model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.pools, address)
}

func (s *Store) CreatePool(_ context.Context, pool model.Pool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.pools, pool.Address, pool), nil
}

func (s *Store) UpdatePoolManager(_ context.Context, address, manager string, idx model.OrderIndex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[address]
	if !ok {
		return false, storage.ErrNotFound
	}
	if idx.Cmp(pool.ManagerOrderIndex) <= 0 {
		return false, nil
	}
	pool.Manager = manager
	pool.ManagerOrderIndex = idx
	s.pools[address] = pool
	return true, nil
}

func (s *Store) CreatePoolManagerUpdate(_ context.Context, update model.PoolManagerUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.managers, update.OrderIndex.String(), update), nil
}

func (s *Store) CreatePoolAccumulation(_ context.Context, acc model.PoolAccumulation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.accums, acc.OrderIndex.String(), acc), nil
}

// PoolAccumulations returns every accumulation recorded for pool.
func (s *Store) PoolAccumulations(pool string) []model.PoolAccumulation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PoolAccumulation
	for _, acc := range s.accums {
		if acc.PoolAddress == pool {
			out = append(out, acc)
		}
	}
	return out
}

func (s *Store) CreateFee(_ context.Context, fee model.Fee) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.fees, fee.OrderIndex.String(), fee), nil
}

func (s *Store) FindFee(_ context.Context, idx model.OrderIndex) (model.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.fees, idx.String())
}

func (s *Store) FindQkConfig(_ context.Context, hash string) (model.QkConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.qkConfigs, hash)
}

func (s *Store) CreateQkConfig(_ context.Context, cfg model.QkConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.qkConfigs, cfg.Hash, cfg), nil
}

func (s *Store) FindGameConfig(_ context.Context, hash string) (model.GameConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.gameConfigs, hash)
}

func (s *Store) CreateGameConfig(_ context.Context, cfg model.GameConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.gameConfigs, cfg.Hash, cfg), nil
}

func (s *Store) FindTrial(_ context.Context, id string) (model.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.trials, id)
}

func (s *Store) CreateTrial(_ context.Context, trial model.Trial) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.trials, trial.ID, trial), nil
}

func (s *Store) CreateTrialResolution(_ context.Context, res model.TrialResolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.resolutions, res.OrderIndex.String(), res), nil
}

func (s *Store) ResolveTrial(_ context.Context, res model.TrialResolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[res.TrialID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if trial.Resolved() {
		return false, nil
	}
	resultIndex := res.ResultIndex
	trial.ResultIndex = &resultIndex
	trial.Randomness = res.Randomness
	trial.ResolvedIndex = res.OrderIndex
	s.trials[res.TrialID] = trial
	return true, nil
}

func (s *Store) SettleTrial(_ context.Context, id string, resultK, delta *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[id]
	if !ok {
		return storage.ErrNotFound
	}
	trial.ResultK = resultK
	trial.DeltaAmount = delta
	s.trials[id] = trial
	return nil
}

func (s *Store) FindGameInstance(_ context.Context, id string) (model.GameInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.games, id)
}

func (s *Store) CreateGameInstance(_ context.Context, game model.GameInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.games, game.ID, game), nil
}

func (s *Store) UpdateGameResult(_ context.Context, id string, result model.GameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	game, ok := s.games[id]
	if !ok {
		return storage.ErrNotFound
	}
	game.Result = &result
	s.games[id] = game
	return nil
}

func insert[V any](m map[string]V, key string, v V) bool {
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = v
	return true
}

func find[V any](m map[string]V, key string) (V, error) {
	v, ok := m[key]
	if !ok {
		var zero V
		return zero, storage.ErrNotFound
	}
	return v, nil
}
