package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fareindexer/internal/fixedpoint"
	"fareindexer/internal/model"
	"fareindexer/internal/storage"
)

//go:embed schema.sql
var schema string

// Store provides Postgres persistence for raw events and derived entities.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// exec runs an insert-if-absent statement and reports whether it wrote a row.
func (s *Store) exec(ctx context.Context, sql string, args ...interface{}) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) InsertRawEvent(ctx context.Context, ev model.RawEvent) (bool, error) {
	payload, err := json.Marshal(ev.Event)
	if err != nil {
		return false, fmt.Errorf("marshal raw event: %w", err)
	}
	created, err := s.exec(ctx, `
		INSERT INTO raw_events (
			order_index, kind, signature, slot, instruction_index, inner_index, block_time, payload
		) VALUES ($1::numeric, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (order_index) DO NOTHING
	`,
		ev.OrderIndex.String(),
		string(ev.Kind),
		ev.Signature,
		int64(ev.Slot),
		int32(ev.InstructionIndex),
		int32(ev.InnerIndex),
		ev.BlockTime,
		string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("insert raw event %s: %w", ev.OrderIndex, err)
	}
	return created, nil
}

func (s *Store) FindRawEvent(ctx context.Context, idx model.OrderIndex) (model.RawEvent, error) {
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT payload FROM raw_events WHERE order_index = $1::numeric`, idx.String())
	if err := row.Scan(&payload); err != nil {
		return model.RawEvent{}, notFound(err)
	}
	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.RawEvent{}, fmt.Errorf("decode raw event %s: %w", idx, err)
	}
	return model.RawEvent{OrderIndex: idx, Event: ev}, nil
}

func (s *Store) FindActor(ctx context.Context, wallet string) (model.Actor, error) {
	actor := model.Actor{WalletAddress: wallet}
	row := s.pool.QueryRow(ctx, `SELECT created_at FROM actors WHERE wallet_address = $1`, wallet)
	if err := row.Scan(&actor.CreatedAt); err != nil {
		return model.Actor{}, notFound(err)
	}
	return actor, nil
}

func (s *Store) CreateActor(ctx context.Context, actor model.Actor) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO actors (wallet_address, created_at) VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO NOTHING
	`, actor.WalletAddress, actor.CreatedAt)
}

func (s *Store) FindPool(ctx context.Context, address string) (model.Pool, error) {
	var (
		managerIdx, registeredIdx                       string
		play, loss, mint, host, poolPct, minTicket, prb string
	)
	pool := model.Pool{Address: address}
	row := s.pool.QueryRow(ctx, `
		SELECT manager, manager_order_index::text,
			fee_play_multiplier::text, fee_loss_multiplier::text, fee_mint_multiplier::text,
			fee_host_percent::text, fee_pool_percent::text, min_limit_for_ticket::text, probability::text,
			registered_order_index::text, registered_at
		FROM pools WHERE address = $1
	`, address)
	if err := row.Scan(&pool.Manager, &managerIdx, &play, &loss, &mint, &host, &poolPct, &minTicket, &prb, &registeredIdx, &pool.RegisteredAt); err != nil {
		return model.Pool{}, notFound(err)
	}

	var err error
	if pool.ManagerOrderIndex, err = model.ParseOrderIndex(managerIdx); err != nil {
		return model.Pool{}, err
	}
	if pool.RegisteredIndex, err = model.ParseOrderIndex(registeredIdx); err != nil {
		return model.Pool{}, err
	}
	values, err := fixedpoint.ParseAll([]string{play, loss, mint, host, poolPct, minTicket, prb})
	if err != nil {
		return model.Pool{}, fmt.Errorf("pool %s: %w", address, err)
	}
	pool.FeePlayMultiplier = values[0]
	pool.FeeLossMultiplier = values[1]
	pool.FeeMintMultiplier = values[2]
	pool.FeeHostPercent = values[3]
	pool.FeePoolPercent = values[4]
	pool.MinLimitForTicket = values[5]
	pool.Probability = values[6]
	return pool, nil
}

func (s *Store) CreatePool(ctx context.Context, pool model.Pool) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO pools (
			address, manager, manager_order_index,
			fee_play_multiplier, fee_loss_multiplier, fee_mint_multiplier,
			fee_host_percent, fee_pool_percent, min_limit_for_ticket, probability,
			registered_order_index, registered_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12)
		ON CONFLICT (address) DO NOTHING
	`,
		pool.Address,
		pool.Manager,
		pool.ManagerOrderIndex.String(),
		fixedpoint.String(pool.FeePlayMultiplier),
		fixedpoint.String(pool.FeeLossMultiplier),
		fixedpoint.String(pool.FeeMintMultiplier),
		fixedpoint.String(pool.FeeHostPercent),
		fixedpoint.String(pool.FeePoolPercent),
		fixedpoint.String(pool.MinLimitForTicket),
		fixedpoint.String(pool.Probability),
		pool.RegisteredIndex.String(),
		pool.RegisteredAt,
	)
}

func (s *Store) UpdatePoolManager(ctx context.Context, address, manager string, idx model.OrderIndex) (bool, error) {
	updated, err := s.exec(ctx, `
		UPDATE pools SET manager = $2, manager_order_index = $3::numeric
		WHERE address = $1 AND manager_order_index < $3::numeric
	`, address, manager, idx.String())
	if err != nil || updated {
		return updated, err
	}
	if _, err := s.FindPool(ctx, address); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) CreatePoolManagerUpdate(ctx context.Context, update model.PoolManagerUpdate) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO pool_manager_updates (order_index, pool_address, new_manager)
		VALUES ($1::numeric, $2, $3)
		ON CONFLICT (order_index) DO NOTHING
	`, update.OrderIndex.String(), update.PoolAddress, update.NewManager)
}

func (s *Store) CreatePoolAccumulation(ctx context.Context, acc model.PoolAccumulation) (bool, error) {
	var receiver *string
	if acc.Receiver != "" {
		receiver = &acc.Receiver
	}
	return s.exec(ctx, `
		INSERT INTO pool_accumulations (order_index, kind, pool_address, trial_id, receiver, amount)
		VALUES ($1::numeric, $2, $3, $4, $5, $6::numeric)
		ON CONFLICT (order_index) DO NOTHING
	`, acc.OrderIndex.String(), string(acc.Kind), acc.PoolAddress, acc.TrialID, receiver, fixedpoint.String(acc.Amount))
}

func (s *Store) CreateFee(ctx context.Context, fee model.Fee) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO fees (
			order_index, fee_type, pool_address, trial_id,
			fee_amount, host_percent, pool_percent, host_amount, pool_amount
		) VALUES ($1::numeric, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric)
		ON CONFLICT (order_index) DO NOTHING
	`,
		fee.OrderIndex.String(),
		string(fee.FeeType),
		fee.PoolAddress,
		fee.TrialID,
		fixedpoint.String(fee.FeeAmount),
		fixedpoint.String(fee.HostPercent),
		fixedpoint.String(fee.PoolPercent),
		fixedpoint.String(fee.HostAmount),
		fixedpoint.String(fee.PoolAmount),
	)
}

func (s *Store) FindFee(ctx context.Context, idx model.OrderIndex) (model.Fee, error) {
	var feeType, amount, hostPct, poolPct, hostAmt, poolAmt string
	fee := model.Fee{OrderIndex: idx}
	row := s.pool.QueryRow(ctx, `
		SELECT fee_type, pool_address, trial_id, fee_amount::text,
			host_percent::text, pool_percent::text, host_amount::text, pool_amount::text
		FROM fees WHERE order_index = $1::numeric
	`, idx.String())
	if err := row.Scan(&feeType, &fee.PoolAddress, &fee.TrialID, &amount, &hostPct, &poolPct, &hostAmt, &poolAmt); err != nil {
		return model.Fee{}, notFound(err)
	}
	values, err := fixedpoint.ParseAll([]string{amount, hostPct, poolPct, hostAmt, poolAmt})
	if err != nil {
		return model.Fee{}, fmt.Errorf("fee %s: %w", idx, err)
	}
	fee.FeeType = model.FeeType(feeType)
	fee.FeeAmount, fee.HostPercent, fee.PoolPercent, fee.HostAmount, fee.PoolAmount = values[0], values[1], values[2], values[3], values[4]
	return fee, nil
}

func (s *Store) FindQkConfig(ctx context.Context, hash string) (model.QkConfig, error) {
	var (
		idx, loss, mint, ev string
		q, k                []string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT order_index::text, q::text[], k::text[],
			fee_loss_multiplier::text, fee_mint_multiplier::text, effective_ev::text
		FROM qk_configs WHERE hash = $1
	`, hash)
	if err := row.Scan(&idx, &q, &k, &loss, &mint, &ev); err != nil {
		return model.QkConfig{}, notFound(err)
	}

	cfg := model.QkConfig{Hash: hash}
	var err error
	if cfg.OrderIndex, err = model.ParseOrderIndex(idx); err != nil {
		return model.QkConfig{}, err
	}
	if cfg.Q, err = fixedpoint.ParseAll(q); err != nil {
		return model.QkConfig{}, fmt.Errorf("qk config %s q: %w", hash, err)
	}
	if cfg.K, err = fixedpoint.ParseAll(k); err != nil {
		return model.QkConfig{}, fmt.Errorf("qk config %s k: %w", hash, err)
	}
	values, err := fixedpoint.ParseAll([]string{loss, mint, ev})
	if err != nil {
		return model.QkConfig{}, fmt.Errorf("qk config %s: %w", hash, err)
	}
	cfg.FeeLossMultiplier, cfg.FeeMintMultiplier, cfg.EffectiveEV = values[0], values[1], values[2]
	return cfg, nil
}

func (s *Store) CreateQkConfig(ctx context.Context, cfg model.QkConfig) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO qk_configs (hash, order_index, q, k, fee_loss_multiplier, fee_mint_multiplier, effective_ev)
		VALUES ($1, $2::numeric, $3::numeric[], $4::numeric[], $5::numeric, $6::numeric, $7::numeric)
		ON CONFLICT (hash) DO NOTHING
	`,
		cfg.Hash,
		cfg.OrderIndex.String(),
		numericArray(cfg.Q),
		numericArray(cfg.K),
		fixedpoint.String(cfg.FeeLossMultiplier),
		fixedpoint.String(cfg.FeeMintMultiplier),
		fixedpoint.String(cfg.EffectiveEV),
	)
}

func (s *Store) FindGameConfig(ctx context.Context, hash string) (model.GameConfig, error) {
	cfg := model.GameConfig{Hash: hash}
	row := s.pool.QueryRow(ctx, `SELECT game_type, config FROM game_configs WHERE hash = $1`, hash)
	if err := row.Scan(&cfg.GameType, &cfg.Config); err != nil {
		return model.GameConfig{}, notFound(err)
	}
	return cfg, nil
}

func (s *Store) CreateGameConfig(ctx context.Context, cfg model.GameConfig) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO game_configs (hash, game_type, config) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING
	`, cfg.Hash, cfg.GameType, cfg.Config)
}

func (s *Store) FindTrial(ctx context.Context, id string) (model.Trial, error) {
	var (
		multiplier, wager, registeredIdx string
		resultIndex                      *int64
		randomness, resolvedIdx          *string
		resultK, delta                   *string
	)
	trial := model.Trial{ID: id}
	row := s.pool.QueryRow(ctx, `
		SELECT pool_address, who, qk_hash, extra_data_hash, multiplier::text, wager_amount::text,
			registered_order_index::text, registered_at,
			result_index, randomness::text, resolved_order_index::text, result_k::text, delta_amount::text
		FROM trials WHERE id = $1
	`, id)
	err := row.Scan(
		&trial.PoolAddress, &trial.Who, &trial.QkHash, &trial.ExtraDataHash, &multiplier, &wager,
		&registeredIdx, &trial.RegisteredAt,
		&resultIndex, &randomness, &resolvedIdx, &resultK, &delta,
	)
	if err != nil {
		return model.Trial{}, notFound(err)
	}

	if trial.Multiplier, err = fixedpoint.Parse(multiplier); err != nil {
		return model.Trial{}, fmt.Errorf("trial %s multiplier: %w", id, err)
	}
	if trial.WagerAmount, err = fixedpoint.Parse(wager); err != nil {
		return model.Trial{}, fmt.Errorf("trial %s wager: %w", id, err)
	}
	if trial.RegisteredIndex, err = model.ParseOrderIndex(registeredIdx); err != nil {
		return model.Trial{}, err
	}
	if resultIndex != nil {
		v := uint64(*resultIndex)
		trial.ResultIndex = &v
	}
	if resolvedIdx != nil {
		if trial.ResolvedIndex, err = model.ParseOrderIndex(*resolvedIdx); err != nil {
			return model.Trial{}, err
		}
	}
	if trial.Randomness, err = parseOptional(randomness); err != nil {
		return model.Trial{}, fmt.Errorf("trial %s randomness: %w", id, err)
	}
	if trial.ResultK, err = parseOptional(resultK); err != nil {
		return model.Trial{}, fmt.Errorf("trial %s result k: %w", id, err)
	}
	if trial.DeltaAmount, err = parseOptional(delta); err != nil {
		return model.Trial{}, fmt.Errorf("trial %s delta: %w", id, err)
	}
	return trial, nil
}

func (s *Store) CreateTrial(ctx context.Context, trial model.Trial) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO trials (
			id, pool_address, who, qk_hash, extra_data_hash, multiplier, wager_amount,
			registered_order_index, registered_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9)
		ON CONFLICT (id) DO NOTHING
	`,
		trial.ID,
		trial.PoolAddress,
		trial.Who,
		trial.QkHash,
		trial.ExtraDataHash,
		fixedpoint.String(trial.Multiplier),
		fixedpoint.String(trial.WagerAmount),
		trial.RegisteredIndex.String(),
		trial.RegisteredAt,
	)
}

func (s *Store) CreateTrialResolution(ctx context.Context, res model.TrialResolution) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO trial_resolutions (order_index, trial_id, result_index, randomness)
		VALUES ($1::numeric, $2, $3, $4::numeric)
		ON CONFLICT (order_index) DO NOTHING
	`, res.OrderIndex.String(), res.TrialID, int64(res.ResultIndex), fixedpoint.String(res.Randomness))
}

func (s *Store) ResolveTrial(ctx context.Context, res model.TrialResolution) (bool, error) {
	updated, err := s.exec(ctx, `
		UPDATE trials SET result_index = $2, randomness = $3::numeric, resolved_order_index = $4::numeric
		WHERE id = $1 AND result_index IS NULL
	`, res.TrialID, int64(res.ResultIndex), fixedpoint.String(res.Randomness), res.OrderIndex.String())
	if err != nil || updated {
		return updated, err
	}
	if _, err := s.FindTrial(ctx, res.TrialID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SettleTrial(ctx context.Context, id string, resultK, delta *big.Int) error {
	updated, err := s.exec(ctx, `
		UPDATE trials SET result_k = $2::numeric, delta_amount = $3::numeric WHERE id = $1
	`, id, fixedpoint.String(resultK), fixedpoint.String(delta))
	if err != nil {
		return err
	}
	if !updated {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FindGameInstance(ctx context.Context, id string) (model.GameInstance, error) {
	var result []byte
	game := model.GameInstance{ID: id}
	row := s.pool.QueryRow(ctx, `SELECT game_config_hash, result FROM game_instances WHERE id = $1`, id)
	if err := row.Scan(&game.GameConfigHash, &result); err != nil {
		return model.GameInstance{}, notFound(err)
	}
	if len(result) > 0 {
		game.Result = &model.GameResult{}
		if err := json.Unmarshal(result, game.Result); err != nil {
			return model.GameInstance{}, fmt.Errorf("game instance %s result: %w", id, err)
		}
	}
	return game, nil
}

func (s *Store) CreateGameInstance(ctx context.Context, game model.GameInstance) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO game_instances (id, game_config_hash) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, game.ID, game.GameConfigHash)
}

func (s *Store) UpdateGameResult(ctx context.Context, id string, result model.GameResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal game result: %w", err)
	}
	updated, err := s.exec(ctx, `UPDATE game_instances SET result = $2::jsonb WHERE id = $1`, id, string(data))
	if err != nil {
		return err
	}
	if !updated {
		return storage.ErrNotFound
	}
	return nil
}

// numericArray renders values as a Postgres array literal. Text parameters
// are sent in text format, which NUMERIC[] accepts.
func numericArray(values []*big.Int) string {
	return "{" + strings.Join(fixedpoint.Strings(values), ",") + "}"
}

func parseOptional(text *string) (*big.Int, error) {
	if text == nil {
		return nil, nil
	}
	return fixedpoint.Parse(*text)
}
