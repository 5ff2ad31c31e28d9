package vault

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fareindexer/internal/model"
)

const (
	computeBudget  = "ComputeBudget111111111111111111111111111111"
	ed25519Program = "Ed25519SigVerify111111111111111111111111111"
	tokenProgram   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

var (
	vaultState = testKey(9)
	payer      = testKey(1)
	trialAcct  = testKey(2)
	poolAcct   = testKey(3)
	payerToken = testKey(8)
	manager    = testKey(4)
)

func trialRegisterAccounts() []model.AccountRef {
	return accountRefs(vaultState, payer, trialAcct, poolAcct, testKey(5), testKey(6), testKey(7), payerToken, tokenProgram, "11111111111111111111111111111111")
}

func trialResolveAccounts() []model.AccountRef {
	return accountRefs(payer, vaultState, trialAcct, poolAcct, testKey(5), testKey(6), testKey(7), payerToken, testKey(10), testKey(11), tokenProgram, testKey(12))
}

var coinflip = [][2]float64{{0.5, 0}, {0.3, 1.5}, {0.2, 2}}

func trialRegisterData() string {
	w := &borshWriter{}
	return w.disc(instructionDisc(InstructionTrialRegister)).pairs(coinflip).f64(2).str("game-hash-1").base58()
}

func TestDecodeTrialRegisterFromArgs(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, zap.NewNop())

	tx := newTx("sig-register", 250_000_000,
		[]model.Instruction{
			{ProgramID: computeBudget, Data: ""},
			{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()},
		},
		[]string{
			invoke(computeBudget, "1"), success(computeBudget),
			invoke(DefaultProgramID, "1"), invoke(tokenProgram, "2"), success(tokenProgram), success(DefaultProgramID),
		},
		model.InnerInstructions{Index: 1, Instructions: []model.Instruction{
			{ProgramID: tokenProgram, Parsed: transferJSON(t, "transfer", payerToken, testKey(6), payer, "1000000")},
		}},
	)

	events, err := decoder.Decode(tx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	wantKinds := []model.EventKind{model.KindQkWithConfigRegistered, model.KindTrialRegistered, model.KindFeeCharged}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] {
			t.Fatalf("event %d: kind %s want %s", i, ev.Kind, wantKinds[i])
		}
		if ev.InstructionIndex != 1 || ev.InnerIndex != uint32(i) {
			t.Fatalf("event %d: position %d/%d", i, ev.InstructionIndex, ev.InnerIndex)
		}
		if ev.Signature != "sig-register" || ev.Slot != 250_000_000 {
			t.Fatalf("event %d: unexpected origin %s/%d", i, ev.Signature, ev.Slot)
		}
	}

	qk := events[0].QkConfig
	require.Equal(t, []string{"500000000000000000", "300000000000000000", "200000000000000000"}, stringsOf(qk.Q))
	require.Equal(t, []string{"0", "1500000000000000000", "2000000000000000000"}, stringsOf(qk.K))
	require.Equal(t, "850000000000000000", qk.EffectiveEV.String())

	trial := events[1].TrialRegistered
	require.Equal(t, trialAcct, trial.TrialID)
	require.Equal(t, payer, trial.Who)
	require.Equal(t, poolAcct, trial.PoolAddress)
	require.Equal(t, qk.Hash, trial.QkHash)
	require.Equal(t, "game-hash-1", trial.ExtraDataHash)
	require.Equal(t, "2000000000000000000", trial.Multiplier.String())
	require.Equal(t, "1000000", trial.WagerAmount.String())
	require.False(t, trial.ResolvedInTx)

	fee := events[2].FeeCharged
	require.Equal(t, model.FeePlay, fee.FeeType)
	require.Equal(t, "1000000", fee.FeeAmount.String())
	require.Equal(t, trialAcct, fee.TrialID)

	again, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Equal(t, events, again)
}

func TestDecodeTrialRegisterWithoutTransferSkipsFee(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	tx := newTx("sig-nofee", 10,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID)},
	)

	events := decoder.DecodeTransaction(tx)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].TrialRegistered.WagerAmount.Sign() != 0 {
		t.Fatalf("expected zero wager, got %s", events[1].TrialRegistered.WagerAmount)
	}
}

func TestDecodeTrialRegisterPrefersLoggedEvent(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	who := testKey(20)
	logged := (&borshWriter{}).disc(logDisc(logTrialRegistered)).
		pubkey(trialAcct).pubkey(who).pubkey(poolAcct).u64(2_000_000_000_000_000_000).
		pairs(coinflip).str("game-hash-logged").dataLine()
	fee := (&borshWriter{}).disc(logDisc(logFeeCharged)).
		u8(0).pubkey(poolAcct).pubkey(trialAcct).u64(500).dataLine()

	tx := newTx("sig-logged", 11,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), "Program log: Instruction: TrialRegister", logged, fee, success(DefaultProgramID)},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, who, events[1].TrialRegistered.Who)
	require.Equal(t, "game-hash-logged", events[1].TrialRegistered.ExtraDataHash)
	require.Equal(t, "2000000000000000000", events[1].TrialRegistered.Multiplier.String())
	require.Equal(t, "500", events[2].FeeCharged.FeeAmount.String())
}

func TestDecodeRegisterAndResolveInOneTransaction(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	resolved := (&borshWriter{}).disc(logDisc(logTrialResolved)).pubkey(trialAcct).u64(1).f64(0.25).dataLine()
	released := (&borshWriter{}).disc(logDisc(logPoolAccumulatedAmountReleased)).
		pubkey(poolAcct).pubkey(trialAcct).pubkey(payer).u64(900).dataLine()
	seed := make([]byte, randomnessLength)
	resolveData := (&borshWriter{}).disc(instructionDisc(InstructionTrialResolveRand))
	resolveData.buf.Write(seed)

	tx := newTx("sig-both", 12,
		[]model.Instruction{
			{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()},
			{ProgramID: DefaultProgramID, Accounts: trialResolveAccounts(), Data: resolveData.base58()},
		},
		[]string{
			invoke(DefaultProgramID, "1"), success(DefaultProgramID),
			invoke(DefaultProgramID, "1"), resolved, released, success(DefaultProgramID),
		},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.True(t, events[1].TrialRegistered.ResolvedInTx)

	res := events[2]
	require.Equal(t, model.KindTrialResolved, res.Kind)
	require.Equal(t, uint32(1), res.InstructionIndex)
	require.Equal(t, uint32(0), res.InnerIndex)
	require.Equal(t, uint64(1), res.TrialResolved.ResultIndex)
	require.Equal(t, "250000000000000000", res.TrialResolved.Randomness.String())
	require.Equal(t, poolAcct, res.TrialResolved.PoolAddress)

	rel := events[3]
	require.Equal(t, model.KindPoolAccumulatedAmountReleased, rel.Kind)
	require.Equal(t, uint32(1), rel.InnerIndex)
	require.Equal(t, payer, rel.PoolAccumulation.Receiver)
	require.Equal(t, "900", rel.PoolAccumulation.Amount.String())
}

func TestDecodeTrialResolveSynthesizesRelease(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	seed := make([]byte, randomnessLength)
	seed[7] = 9
	data := (&borshWriter{}).disc(instructionDisc(InstructionTrialResolveRand))
	data.buf.Write(seed)

	tx := newTx("sig-resolve", 13,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialResolveAccounts(), Data: data.base58()}},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID)},
		model.InnerInstructions{Index: 0, Instructions: []model.Instruction{
			{ProgramID: tokenProgram, Parsed: transferJSON(t, "transferChecked", testKey(30), payerToken, testKey(31), "4200")},
		}},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "9", events[0].TrialResolved.Randomness.String())
	require.Equal(t, "4200", events[0].TrialResolved.PayoutAmount.String())
	require.Equal(t, model.KindPoolAccumulatedAmountReleased, events[1].Kind)
	require.Equal(t, "4200", events[1].PoolAccumulation.Amount.String())
}

func TestDecodePoolRegisterFromArgs(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	data := (&borshWriter{}).disc(instructionDisc(InstructionPoolRegister)).
		pubkey(manager).f64(0.01).f64(0.02).f64(0.03).f64(0.3).f64(0.1).f64(0.5).f64(10).base58()

	tx := newTx("sig-pool", 14,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: accountRefs(payer, poolAcct, "11111111111111111111111111111111"), Data: data}},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID)},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	p := events[0].PoolRegistered
	require.Equal(t, poolAcct, p.PoolAddress)
	require.Equal(t, manager, p.ManagerAddress)
	require.Equal(t, "300000000000000000", p.FeeHostPercent.String())
	require.Equal(t, "100000000000000000", p.FeePoolPercent.String())
	require.Equal(t, "500000000000000000", p.Probability.String())
	require.Equal(t, "10000000000000000000", p.MinLimitForTicket.String())
}

func TestDecodeFailedTransactionYieldsNothing(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	tx := newTx("sig-failed", 15,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		nil,
	)
	tx.Meta.Err = []byte(`{"InstructionError":[0,{"Custom":6004}]}`)

	events, err := decoder.Decode(tx)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events and no error, got %d/%v", len(events), err)
	}
}

func TestDecodeMalformedTransactionYieldsNothing(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)

	garbage := newTx("sig-garbage", 16,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), "Program data: %%%not-base64", success(DefaultProgramID)},
	)
	if _, err := decoder.Decode(garbage); err == nil {
		t.Fatalf("expected decode error")
	}
	if events := decoder.DecodeTransaction(garbage); events != nil {
		t.Fatalf("expected nil events, got %d", len(events))
	}

	truncated := newTx("sig-truncated", 17,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(),
			Data: (&borshWriter{}).disc(instructionDisc(InstructionTrialRegister)).u32(3).base58()}},
		nil,
	)
	if events := decoder.DecodeTransaction(truncated); events != nil {
		t.Fatalf("expected nil events, got %d", len(events))
	}

	if events := decoder.DecodeTransaction(nil); events != nil {
		t.Fatalf("expected nil events for nil transaction")
	}
}

func TestDecodeIgnoresUnknownAndAdminInstructions(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	admin := (&borshWriter{}).disc(logDisc(logEvThresholdUpdated)).f64(1.1).dataLine()
	tx := newTx("sig-admin", 18,
		[]model.Instruction{
			{ProgramID: DefaultProgramID, Data: (&borshWriter{}).u64(42).base58()},
			{ProgramID: DefaultProgramID, Data: (&borshWriter{}).disc(instructionDisc(InstructionUpdateVaultState)).base58()},
		},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID), invoke(DefaultProgramID, "1"), admin, success(DefaultProgramID)},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAttributeLogsTracksTopLevelInstruction(t *testing.T) {
	other := testKey(40)
	mgr := (&borshWriter{}).disc(logDisc(logPoolManagerUpdated)).pubkey(poolAcct).pubkey(manager).dataLine()
	foreign := (&borshWriter{}).disc(logDisc(logPoolManagerUpdated)).pubkey(poolAcct).pubkey(testKey(41)).dataLine()

	logs := []string{
		invoke(computeBudget, "1"), success(computeBudget),
		invoke(DefaultProgramID, "1"),
		invoke(other, "2"), foreign, success(other),
		mgr,
		"Program " + DefaultProgramID + " consumed 5000 of 200000 compute units",
		success(DefaultProgramID),
	}

	out, errs := attributeLogs(logs, DefaultProgramID, []string{computeBudget, DefaultProgramID})
	require.Empty(t, errs)
	require.Len(t, out, 1)
	require.Len(t, out[1], 1)
	require.Equal(t, manager, out[1][0].poolManager.newManager)
}

func TestDecodeAttributesLogsPastSilentPrecompile(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	seed := make([]byte, randomnessLength)
	data := (&borshWriter{}).disc(instructionDisc(InstructionTrialResolveRand))
	data.buf.Write(seed)
	resolved := (&borshWriter{}).disc(logDisc(logTrialResolved)).
		pubkey(trialAcct).u64(2).f64(0.25).dataLine()

	tx := newTx("sig-precompile", 15,
		[]model.Instruction{
			{ProgramID: ed25519Program, Data: "1"},
			{ProgramID: DefaultProgramID, Accounts: trialResolveAccounts(), Data: data.base58()},
		},
		[]string{invoke(DefaultProgramID, "1"), resolved, success(DefaultProgramID)},
	)

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint32(1), events[0].InstructionIndex)
	require.Equal(t, uint64(2), events[0].TrialResolved.ResultIndex)
	require.Equal(t, "250000000000000000", events[0].TrialResolved.Randomness.String())
}

func TestAttributeLogsSkipsUnmatchedInvoke(t *testing.T) {
	mgr := (&borshWriter{}).disc(logDisc(logPoolManagerUpdated)).pubkey(poolAcct).pubkey(manager).dataLine()
	logs := []string{
		invoke(computeBudget, "1"), success(computeBudget),
		invoke(DefaultProgramID, "1"), mgr, success(DefaultProgramID),
	}

	out, errs := attributeLogs(logs, DefaultProgramID, []string{ed25519Program, DefaultProgramID})
	require.Empty(t, errs)
	require.Len(t, out[1], 1)

	out, errs = attributeLogs(logs, DefaultProgramID, []string{computeBudget})
	require.Empty(t, errs)
	require.Empty(t, out)
}

func TestAdminLogsCarryNoEvent(t *testing.T) {
	line := (&borshWriter{}).disc(logDisc(logAdminAddressUpdated)).pubkey(manager).dataLine()
	_, ok, err := decodeLoggedEvent(strings.TrimPrefix(line, programDataPrefix))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDecodeTrialRegisterMultiplierScaleIgnoresLogUnits(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	logged := (&borshWriter{}).disc(logDisc(logTrialRegistered)).
		pubkey(trialAcct).pubkey(payer).pubkey(poolAcct).u64(2).
		pairs(coinflip).str("game-hash-1").dataLine()

	tx := newTx("sig-units", 16,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), logged, success(DefaultProgramID)},
	)
	fromLog, err := decoder.Decode(tx)
	require.NoError(t, err)

	tx = newTx("sig-units", 16,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID)},
	)
	fromArgs, err := decoder.Decode(tx)
	require.NoError(t, err)

	require.Equal(t, "2000000000000000000", fromLog[1].TrialRegistered.Multiplier.String())
	require.Equal(t, fromArgs[1].TrialRegistered.Multiplier, fromLog[1].TrialRegistered.Multiplier)

	garbled := newTx("sig-units", 16,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(),
			Data: (&borshWriter{}).disc(instructionDisc(InstructionTrialRegister)).base58()}},
		[]string{invoke(DefaultProgramID, "1"), logged, success(DefaultProgramID)},
	)
	events, err := decoder.Decode(garbled)
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", events[1].TrialRegistered.Multiplier.String())
}

func TestDecodeMissingBlockTimeUsesObservationTime(t *testing.T) {
	decoder := NewDecoder(DefaultProgramID, nil)
	observed := time.Date(2024, 5, 6, 7, 8, 9, 500, time.UTC)
	decoder.now = func() time.Time { return observed }

	tx := newTx("sig-notime", 17,
		[]model.Instruction{{ProgramID: DefaultProgramID, Accounts: trialRegisterAccounts(), Data: trialRegisterData()}},
		[]string{invoke(DefaultProgramID, "1"), success(DefaultProgramID)},
	)
	tx.BlockTime = nil

	events, err := decoder.Decode(tx)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		require.Equal(t, observed.Truncate(time.Second), ev.BlockTime)
	}
}

func TestEventDiscriminatorsFollowAnchorDerivation(t *testing.T) {
	for d, kind := range logKinds {
		if got := anchorEventDiscriminator(string(kind)); got != d {
			t.Fatalf("%s: discriminator %v want %v", kind, d, got)
		}
	}
}

func stringsOf(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}
