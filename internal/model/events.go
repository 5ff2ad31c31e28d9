package model

import (
	"math/big"
	"time"
)

// EventKind enumerates the domain events decoded from the vault program.
type EventKind string

const (
	KindPoolRegistered                EventKind = "poolRegistered"
	KindPoolManagerUpdated            EventKind = "poolManagerUpdated"
	KindPoolAccumulatedAmountUpdated  EventKind = "poolAccumulatedAmountUpdated"
	KindPoolAccumulatedAmountReleased EventKind = "poolAccumulatedAmountReleased"
	KindQkWithConfigRegistered        EventKind = "qkWithConfigRegistered"
	KindFeeCharged                    EventKind = "feeCharged"
	KindTrialRegistered               EventKind = "trialRegistered"
	KindTrialResolved                 EventKind = "trialResolved"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindPoolRegistered, KindPoolManagerUpdated, KindPoolAccumulatedAmountUpdated,
		KindPoolAccumulatedAmountReleased, KindQkWithConfigRegistered, KindFeeCharged,
		KindTrialRegistered, KindTrialResolved:
		return true
	}
	return false
}

// FeeType labels the fee charged by the vault.
type FeeType string

const (
	FeePlay FeeType = "FeePlay"
	FeeLoss FeeType = "FeeLoss"
	FeeMint FeeType = "FeeMint"
)

// FeeTypeFromCode maps the on-chain u8 fee type.
func FeeTypeFromCode(code uint8) FeeType {
	switch code {
	case 1:
		return FeeLoss
	case 2:
		return FeeMint
	default:
		return FeePlay
	}
}

// Event is one typed domain event produced by the codec. Exactly one payload
// pointer is set, matching Kind.
type Event struct {
	Kind             EventKind `json:"kind"`
	Signature        string    `json:"signature"`
	Slot             uint64    `json:"slot"`
	InstructionIndex uint32    `json:"instruction_index"`
	InnerIndex       uint32    `json:"inner_instruction_index"`
	BlockTime        time.Time `json:"block_time"`

	PoolRegistered     *PoolRegisteredData     `json:"pool_registered,omitempty"`
	PoolManagerUpdated *PoolManagerUpdatedData `json:"pool_manager_updated,omitempty"`
	PoolAccumulation   *PoolAccumulationData   `json:"pool_accumulation,omitempty"`
	QkConfig           *QkConfigData           `json:"qk_config,omitempty"`
	FeeCharged         *FeeChargedData         `json:"fee_charged,omitempty"`
	TrialRegistered    *TrialRegisteredData    `json:"trial_registered,omitempty"`
	TrialResolved      *TrialResolvedData      `json:"trial_resolved,omitempty"`
}

// OrderIndex assigns the event its global position.
func (e Event) OrderIndex() OrderIndex {
	return NewOrderIndex(e.Slot, e.InstructionIndex, e.InnerIndex)
}

// PoolRegisteredData is the PoolRegistered payload. Multipliers and percents are
// 18-decimal fixed point.
type PoolRegisteredData struct {
	PoolAddress       string   `json:"pool_address"`
	ManagerAddress    string   `json:"manager_address"`
	FeePlayMultiplier *big.Int `json:"fee_play_multiplier"`
	FeeLossMultiplier *big.Int `json:"fee_loss_multiplier"`
	FeeMintMultiplier *big.Int `json:"fee_mint_multiplier"`
	FeeHostPercent    *big.Int `json:"fee_host_percent"`
	FeePoolPercent    *big.Int `json:"fee_pool_percent"`
	MinLimitForTicket *big.Int `json:"min_limit_for_ticket"`
	Probability       *big.Int `json:"probability"`
}

// PoolManagerUpdatedData is the PoolManagerUpdated payload.
type PoolManagerUpdatedData struct {
	PoolAddress string `json:"pool_address"`
	NewManager  string `json:"new_manager"`
}

// PoolAccumulationData covers both accumulated-amount events. Receiver is only
// set for releases.
type PoolAccumulationData struct {
	PoolAddress string   `json:"pool_address"`
	TrialID     string   `json:"trial_id"`
	Receiver    string   `json:"receiver,omitempty"`
	Amount      *big.Int `json:"amount"`
}

// QkConfigData is the synthetic QkWithConfigRegistered payload.
type QkConfigData struct {
	Hash              string     `json:"hash"`
	Q                 []*big.Int `json:"q"`
	K                 []*big.Int `json:"k"`
	FeeLossMultiplier *big.Int   `json:"fee_loss_multiplier"`
	FeeMintMultiplier *big.Int   `json:"fee_mint_multiplier"`
	EffectiveEV       *big.Int   `json:"effective_ev"`
}

// FeeChargedData is the FeeCharged payload.
type FeeChargedData struct {
	FeeType     FeeType  `json:"fee_type"`
	PoolAddress string   `json:"pool_address"`
	TrialID     string   `json:"trial_id"`
	FeeAmount   *big.Int `json:"fee_amount"`
}

// TrialRegisteredData is the TrialRegistered payload.
type TrialRegisteredData struct {
	TrialID       string   `json:"trial_id"`
	Who           string   `json:"who"`
	PoolAddress   string   `json:"pool_address"`
	Multiplier    *big.Int `json:"multiplier"`
	QkHash        string   `json:"qk_hash"`
	ExtraDataHash string   `json:"extra_data_hash"`
	VrfCost       *big.Int `json:"vrf_cost"`
	WagerAmount   *big.Int `json:"wager_amount"`
	// ResolvedInTx is set when the same transaction also resolves the trial.
	ResolvedInTx bool `json:"resolved_in_tx"`
}

// TrialResolvedData is the TrialResolved payload.
type TrialResolvedData struct {
	TrialID      string   `json:"trial_id"`
	PoolAddress  string   `json:"pool_address,omitempty"`
	ResultIndex  uint64   `json:"result_index"`
	Randomness   *big.Int `json:"randomness"`
	PayoutAmount *big.Int `json:"payout_amount"`
}

// RawEvent is the immutable persisted form of an Event, keyed by OrderIndex.
type RawEvent struct {
	OrderIndex OrderIndex `json:"order_index"`
	Event
}

// NewRawEvent stamps e with its order index.
func NewRawEvent(e Event) RawEvent {
	return RawEvent{OrderIndex: e.OrderIndex(), Event: e}
}
