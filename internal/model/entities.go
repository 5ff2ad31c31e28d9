package model

import (
	"math/big"
	"time"
)

// Actor is a wallet referenced by any event. Created lazily, never deleted.
type Actor struct {
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// Pool is a wagering pool keyed by its on-chain address.
type Pool struct {
	Address           string     `json:"address"`
	Manager           string     `json:"manager"`
	ManagerOrderIndex OrderIndex `json:"manager_order_index"`
	FeePlayMultiplier *big.Int   `json:"fee_play_multiplier"`
	FeeLossMultiplier *big.Int   `json:"fee_loss_multiplier"`
	FeeMintMultiplier *big.Int   `json:"fee_mint_multiplier"`
	FeeHostPercent    *big.Int   `json:"fee_host_percent"`
	FeePoolPercent    *big.Int   `json:"fee_pool_percent"`
	MinLimitForTicket *big.Int   `json:"min_limit_for_ticket"`
	Probability       *big.Int   `json:"probability"`
	RegisteredIndex   OrderIndex `json:"registered_order_index"`
	RegisteredAt      time.Time  `json:"registered_at"`
}

// PoolManagerUpdate records one manager change, keyed by OrderIndex.
type PoolManagerUpdate struct {
	OrderIndex  OrderIndex `json:"order_index"`
	PoolAddress string     `json:"pool_address"`
	NewManager  string     `json:"new_manager"`
}

// AccumulationKind distinguishes accumulated-amount updates from releases.
type AccumulationKind string

const (
	AccumulationUpdated  AccumulationKind = "updated"
	AccumulationReleased AccumulationKind = "released"
)

// PoolAccumulation records one accumulated-amount delta, keyed by OrderIndex.
type PoolAccumulation struct {
	OrderIndex  OrderIndex       `json:"order_index"`
	Kind        AccumulationKind `json:"kind"`
	PoolAddress string           `json:"pool_address"`
	TrialID     string           `json:"trial_id"`
	Receiver    string           `json:"receiver,omitempty"`
	Amount      *big.Int         `json:"amount"`
}

// QkConfig is an immutable probability/payout table keyed by content hash.
type QkConfig struct {
	Hash              string     `json:"hash"`
	OrderIndex        OrderIndex `json:"order_index"`
	Q                 []*big.Int `json:"q"`
	K                 []*big.Int `json:"k"`
	FeeLossMultiplier *big.Int   `json:"fee_loss_multiplier"`
	FeeMintMultiplier *big.Int   `json:"fee_mint_multiplier"`
	EffectiveEV       *big.Int   `json:"effective_ev"`
}

// GameConfig is registered outside the indexer and referenced by a trial's
// extra data hash.
type GameConfig struct {
	Hash     string `json:"hash"`
	GameType string `json:"game_type"`
	Config   []byte `json:"config,omitempty"`
}

// Trial is one wager. Created once, patched once on resolution and once on
// settlement.
type Trial struct {
	ID              string     `json:"id"`
	PoolAddress     string     `json:"pool_address"`
	Who             string     `json:"who"`
	QkHash          string     `json:"qk_hash"`
	ExtraDataHash   string     `json:"extra_data_hash"`
	Multiplier      *big.Int   `json:"multiplier"`
	WagerAmount     *big.Int   `json:"wager_amount"`
	RegisteredIndex OrderIndex `json:"registered_order_index"`
	RegisteredAt    time.Time  `json:"registered_at"`

	ResultIndex   *uint64    `json:"result_index,omitempty"`
	Randomness    *big.Int   `json:"randomness,omitempty"`
	ResolvedIndex OrderIndex `json:"resolved_order_index"`
	ResultK       *big.Int   `json:"result_k,omitempty"`
	DeltaAmount   *big.Int   `json:"delta_amount,omitempty"`
}

// Resolved reports whether resolution data has been recorded.
func (t Trial) Resolved() bool {
	return t.ResultIndex != nil
}

// Settled reports whether the settlement outcome has been recorded.
func (t Trial) Settled() bool {
	return t.DeltaAmount != nil
}

// TrialResolution is the resolution marker for a trial, keyed by OrderIndex.
type TrialResolution struct {
	OrderIndex  OrderIndex `json:"order_index"`
	TrialID     string     `json:"trial_id"`
	ResultIndex uint64     `json:"result_index"`
	Randomness  *big.Int   `json:"randomness"`
}

// Fee is derived from a FeeCharged event, keyed by OrderIndex.
type Fee struct {
	OrderIndex  OrderIndex `json:"order_index"`
	FeeType     FeeType    `json:"fee_type"`
	PoolAddress string     `json:"pool_address"`
	TrialID     string     `json:"trial_id"`
	FeeAmount   *big.Int   `json:"fee_amount"`
	HostPercent *big.Int   `json:"host_percent"`
	PoolPercent *big.Int   `json:"pool_percent"`
	HostAmount  *big.Int   `json:"host_amount"`
	PoolAmount  *big.Int   `json:"pool_amount"`
}

// GameResult is the settled outcome attached to a GameInstance.
type GameResult struct {
	ResultIndex uint64   `json:"result_index"`
	Randomness  *big.Int `json:"randomness"`
	DeltaAmount *big.Int `json:"delta_amount"`
}

// GameInstance is created alongside its Trial and shares its id.
type GameInstance struct {
	ID             string      `json:"id"`
	GameConfigHash string      `json:"game_config_hash"`
	Result         *GameResult `json:"result,omitempty"`
}
