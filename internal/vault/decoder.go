package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"go.uber.org/zap"

	"fareindexer/internal/fixedpoint"
	"fareindexer/internal/model"
)

const randomnessLength = 64

// Account positions, from the program IDL.
const (
	poolRegisterPool = 1

	trialRegisterPayer      = 1
	trialRegisterTrial      = 2
	trialRegisterPool       = 3
	trialRegisterPayerToken = 7

	trialResolveUser      = 0
	trialResolveTrial     = 2
	trialResolvePool      = 3
	trialResolveUserToken = 7
)

// Decoder turns vault transactions into ordered domain events.
type Decoder struct {
	programID string
	logger    *zap.Logger
	now       func() time.Time
}

// NewDecoder builds a decoder for programID.
func NewDecoder(programID string, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if programID == "" {
		programID = DefaultProgramID
	}
	return &Decoder{programID: programID, logger: logger, now: time.Now}
}

// ProgramID returns the tracked program.
func (d *Decoder) ProgramID() string {
	return d.programID
}

// DecodeTransaction never fails: a transaction that cannot be decoded is
// logged and yields no events.
func (d *Decoder) DecodeTransaction(tx *model.Transaction) []model.Event {
	events, err := d.Decode(tx)
	if err != nil {
		sig := ""
		if tx != nil {
			sig = tx.Signature()
		}
		d.logger.Warn("decode transaction failed", zap.String("signature", sig), zap.Error(err))
		return nil
	}
	return events
}

// Decode returns the events of tx in emission order. Failed transactions
// decode to no events and no error.
func (d *Decoder) Decode(tx *model.Transaction) (events []model.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	if tx.Failed() {
		return nil, nil
	}

	// A node may omit blockTime; the decode time stands in for it.
	blockTime := tx.Time()
	if tx.BlockTime == nil {
		blockTime = d.now().UTC().Truncate(time.Second)
	}

	keys := tx.AccountKeys()
	topPrograms := make([]string, len(tx.Transaction.Message.Instructions))
	for i, in := range tx.Transaction.Message.Instructions {
		topPrograms[i] = in.ProgramAddress(keys)
	}
	logged, logErrs := attributeLogs(tx.Logs(), d.programID, topPrograms)
	if len(logErrs) > 0 {
		return nil, errors.Join(logErrs...)
	}

	resolved := d.resolvedTrials(tx, keys, logged)

	for i, in := range tx.Transaction.Message.Instructions {
		if in.ProgramAddress(keys) != d.programID {
			continue
		}
		index := uint32(i)
		if !model.ValidPosition(index, 0) {
			return nil, fmt.Errorf("instruction index %d out of range", i)
		}
		data := base58.Decode(in.Data)
		kind, ok := LookupInstruction(data)
		if !ok {
			d.logger.Debug("unknown instruction", zap.String("signature", tx.Signature()), zap.Int("index", i))
			continue
		}

		c := &instructionContext{
			base: model.Event{
				Signature:        tx.Signature(),
				Slot:             tx.Slot,
				InstructionIndex: index,
				BlockTime:        blockTime,
			},
			tx:       tx,
			args:     data[DiscriminatorLength:],
			accounts: in.AccountAddresses(keys),
			logs:     logged[index],
		}

		switch kind {
		case InstructionPoolRegister:
			err = c.poolRegister()
		case InstructionTrialRegister:
			err = c.trialRegister(resolved)
		case InstructionTrialResolveRand:
			err = c.trialResolve()
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s at %d: %w", kind, i, err)
		}
		if err := c.emitRemaining(); err != nil {
			return nil, fmt.Errorf("%s at %d: %w", kind, i, err)
		}
		events = append(events, c.events...)
	}
	return events, nil
}

// resolvedTrials collects the trials resolved anywhere in tx.
func (d *Decoder) resolvedTrials(tx *model.Transaction, keys []string, logged map[uint32][]loggedEvent) map[string]bool {
	out := make(map[string]bool)
	for _, in := range tx.Transaction.Message.Instructions {
		if in.ProgramAddress(keys) != d.programID {
			continue
		}
		if kind, ok := LookupInstruction(base58.Decode(in.Data)); !ok || kind != InstructionTrialResolveRand {
			continue
		}
		if accts := in.AccountAddresses(keys); len(accts) > trialResolveTrial {
			out[accts[trialResolveTrial]] = true
		}
	}
	for _, evs := range logged {
		for _, ev := range evs {
			if ev.trialResolved != nil {
				out[ev.trialResolved.trialID] = true
			}
		}
	}
	return out
}

type instructionContext struct {
	base     model.Event
	tx       *model.Transaction
	args     []byte
	accounts []string
	logs     []loggedEvent
	events   []model.Event
}

func (c *instructionContext) account(i int) string {
	if i < len(c.accounts) {
		return c.accounts[i]
	}
	return ""
}

// emit appends an event at the next sub-order position.
func (c *instructionContext) emit(kind model.EventKind, fill func(*model.Event)) {
	ev := c.base
	ev.Kind = kind
	ev.InnerIndex = uint32(len(c.events))
	fill(&ev)
	c.events = append(c.events, ev)
}

// take removes and returns the first logged event of kind.
func (c *instructionContext) take(kind logKind) *loggedEvent {
	for i := range c.logs {
		if c.logs[i].kind == kind {
			ev := c.logs[i]
			c.logs = append(c.logs[:i:i], c.logs[i+1:]...)
			return &ev
		}
	}
	return nil
}

func (c *instructionContext) hasLogged(kinds ...logKind) bool {
	for _, ev := range c.logs {
		for _, k := range kinds {
			if ev.kind == k {
				return true
			}
		}
	}
	return false
}

func (c *instructionContext) poolRegister() error {
	var (
		pool, manager string
		floats        [7]float64
	)
	if lg := c.take(logPoolRegistered); lg != nil {
		p := lg.poolRegistered
		pool, manager = p.pool, p.manager
		floats = [7]float64{p.feePlayMul, p.feeLossMul, p.feeMintMul, p.feeHostPct, p.feePoolPct, p.minLimitForTicket, p.prob}
	} else {
		r := newReader(c.args)
		manager = r.pubkey()
		play, loss, mint, host, poolPct := r.f64(), r.f64(), r.f64(), r.f64(), r.f64()
		prob, minLimit := r.f64(), r.f64()
		if r.err != nil {
			return fmt.Errorf("pool config args: %w", r.err)
		}
		floats = [7]float64{play, loss, mint, host, poolPct, minLimit, prob}
		pool = c.account(poolRegisterPool)
	}
	if pool == "" || manager == "" {
		return errors.New("missing pool or manager address")
	}

	var fixed [7]*big.Int
	for i, f := range floats {
		v, err := fixedpoint.FromFloat64(f)
		if err != nil {
			return fmt.Errorf("pool config field %d: %w", i, err)
		}
		fixed[i] = v
	}
	c.emit(model.KindPoolRegistered, func(e *model.Event) {
		e.PoolRegistered = &model.PoolRegisteredData{
			PoolAddress:       pool,
			ManagerAddress:    manager,
			FeePlayMultiplier: fixed[0],
			FeeLossMultiplier: fixed[1],
			FeeMintMultiplier: fixed[2],
			FeeHostPercent:    fixed[3],
			FeePoolPercent:    fixed[4],
			MinLimitForTicket: fixed[5],
			Probability:       fixed[6],
		}
	})
	return nil
}

func (c *instructionContext) trialRegister(resolved map[string]bool) error {
	var (
		trialID, who, pool, extraDataHash string
		pairs                             [][2]float64
		multiplier                        *big.Int
	)
	// The multiplier always comes from the f64 argument so it carries the
	// same 18-decimal scale on both paths.
	r := newReader(c.args)
	argPairs := r.pairs()
	mult := r.f64()
	argHash := r.string()
	argsErr := r.err
	if argsErr == nil {
		m, err := fixedpoint.FromFloat64(mult)
		if err != nil {
			return fmt.Errorf("multiplier: %w", err)
		}
		multiplier = m
	}

	if lg := c.take(logTrialRegistered); lg != nil {
		t := lg.trialRegistered
		trialID, who, pool = t.trialID, t.who, t.pool
		pairs, extraDataHash = t.qk, t.extraDataHash
		if multiplier == nil {
			// whole units when the arguments are unreadable
			multiplier = new(big.Int).Mul(new(big.Int).SetUint64(t.multiplier), fixedpoint.Unit)
		}
	} else {
		if argsErr != nil {
			return fmt.Errorf("trial args: %w", argsErr)
		}
		pairs, extraDataHash = argPairs, argHash
		trialID = c.account(trialRegisterTrial)
		who = c.account(trialRegisterPayer)
		pool = c.account(trialRegisterPool)
	}
	if trialID == "" || pool == "" || who == "" {
		return errors.New("missing trial, pool or payer address")
	}

	q, k, err := splitQK(pairs)
	if err != nil {
		return err
	}
	qkHash := QkHash(q, k)
	wager := amountFrom(transfersFor(c.tx, c.base.InstructionIndex),
		who, c.account(trialRegisterPayer), c.account(trialRegisterPayerToken))

	c.emit(model.KindQkWithConfigRegistered, func(e *model.Event) {
		e.QkConfig = &model.QkConfigData{
			Hash:              qkHash,
			Q:                 q,
			K:                 k,
			FeeLossMultiplier: new(big.Int),
			FeeMintMultiplier: new(big.Int),
			EffectiveEV:       EffectiveEV(q, k),
		}
	})
	c.emit(model.KindTrialRegistered, func(e *model.Event) {
		e.TrialRegistered = &model.TrialRegisteredData{
			TrialID:       trialID,
			Who:           who,
			PoolAddress:   pool,
			Multiplier:    multiplier,
			QkHash:        qkHash,
			ExtraDataHash: extraDataHash,
			VrfCost:       new(big.Int),
			WagerAmount:   wager,
			ResolvedInTx:  resolved[trialID],
		}
	})

	feeType, feeAmount := model.FeePlay, wager
	if lg := c.take(logFeeCharged); lg != nil {
		feeType = model.FeeTypeFromCode(lg.feeCharged.feeType)
		feeAmount = new(big.Int).SetUint64(lg.feeCharged.amount)
	}
	if feeAmount.Sign() > 0 {
		c.emit(model.KindFeeCharged, func(e *model.Event) {
			e.FeeCharged = &model.FeeChargedData{
				FeeType:     feeType,
				PoolAddress: pool,
				TrialID:     trialID,
				FeeAmount:   feeAmount,
			}
		})
	}
	return nil
}

func (c *instructionContext) trialResolve() error {
	var (
		trialID     = c.account(trialResolveTrial)
		pool        = c.account(trialResolvePool)
		user        = c.account(trialResolveUser)
		resultIndex uint64
		randomness  *big.Int
	)
	if lg := c.take(logTrialResolved); lg != nil {
		t := lg.trialResolved
		trialID, resultIndex = t.trialID, t.resultIndex
		v, err := fixedpoint.FromFloat64(t.randomness)
		if err != nil {
			return fmt.Errorf("randomness: %w", err)
		}
		randomness = v
	} else {
		r := newReader(c.args)
		seed := r.take(randomnessLength)
		if r.err != nil {
			return fmt.Errorf("randomness args: %w", r.err)
		}
		randomness = new(big.Int).SetBytes(seed[:8])
	}
	if trialID == "" {
		return errors.New("missing trial address")
	}

	payout := amountTo(transfersFor(c.tx, c.base.InstructionIndex), user, c.account(trialResolveUserToken))
	c.emit(model.KindTrialResolved, func(e *model.Event) {
		e.TrialResolved = &model.TrialResolvedData{
			TrialID:      trialID,
			PoolAddress:  pool,
			ResultIndex:  resultIndex,
			Randomness:   randomness,
			PayoutAmount: payout,
		}
	})

	if payout.Sign() > 0 && pool != "" &&
		!c.hasLogged(logPoolAccumulatedAmountReleased, logPoolAccumulatedAmountUpdated) {
		c.emit(model.KindPoolAccumulatedAmountReleased, func(e *model.Event) {
			e.PoolAccumulation = &model.PoolAccumulationData{
				PoolAddress: pool,
				TrialID:     trialID,
				Receiver:    user,
				Amount:      payout,
			}
		})
	}
	return nil
}

// emitRemaining appends the logged events the instruction handler did not
// consume: accumulation changes first, then manager updates and fees, each in
// log order.
func (c *instructionContext) emitRemaining() error {
	for _, pass := range [][]logKind{
		{logPoolAccumulatedAmountReleased, logPoolAccumulatedAmountUpdated},
		{logPoolManagerUpdated, logFeeCharged},
	} {
		for _, ev := range c.logs {
			if !containsKind(pass, ev.kind) {
				continue
			}
			c.emitLogged(ev)
		}
	}
	c.logs = nil
	if len(c.events) >= model.PositionLimit {
		return fmt.Errorf("too many events: %d", len(c.events))
	}
	return nil
}

func (c *instructionContext) emitLogged(ev loggedEvent) {
	switch ev.kind {
	case logPoolAccumulatedAmountReleased, logPoolAccumulatedAmountUpdated:
		a := ev.accumulation
		kind := model.KindPoolAccumulatedAmountUpdated
		if ev.kind == logPoolAccumulatedAmountReleased {
			kind = model.KindPoolAccumulatedAmountReleased
		}
		c.emit(kind, func(e *model.Event) {
			e.PoolAccumulation = &model.PoolAccumulationData{
				PoolAddress: a.pool,
				TrialID:     a.trialID,
				Receiver:    a.receiver,
				Amount:      new(big.Int).SetUint64(a.amount),
			}
		})
	case logPoolManagerUpdated:
		p := ev.poolManager
		c.emit(model.KindPoolManagerUpdated, func(e *model.Event) {
			e.PoolManagerUpdated = &model.PoolManagerUpdatedData{PoolAddress: p.pool, NewManager: p.newManager}
		})
	case logFeeCharged:
		f := ev.feeCharged
		if f.amount == 0 {
			return
		}
		c.emit(model.KindFeeCharged, func(e *model.Event) {
			e.FeeCharged = &model.FeeChargedData{
				FeeType:     model.FeeTypeFromCode(f.feeType),
				PoolAddress: f.pool,
				TrialID:     f.trialID,
				FeeAmount:   new(big.Int).SetUint64(f.amount),
			}
		})
	}
}

func containsKind(kinds []logKind, k logKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

