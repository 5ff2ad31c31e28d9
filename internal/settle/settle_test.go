package settle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"fareindexer/internal/fixedpoint"
	"fareindexer/internal/model"
	"fareindexer/internal/notify"
	"fareindexer/internal/queue"
	"fareindexer/internal/storage/memory"
)

func testK() []*big.Int {
	return []*big.Int{
		fixedpoint.MustFromFloat64(0),
		fixedpoint.MustFromFloat64(0.5),
		fixedpoint.MustFromFloat64(1.5),
		fixedpoint.MustFromFloat64(3),
	}
}

func TestDelta(t *testing.T) {
	mult := fixedpoint.MustFromFloat64(2)
	cases := []struct {
		index uint64
		want  string
	}{
		{0, "-2000000000000000000"},
		{1, "-1000000000000000000"},
		{2, "1000000000000000000"},
		{3, "4000000000000000000"},
	}
	for _, tc := range cases {
		got, err := Delta(testK(), tc.index, mult)
		if err != nil {
			t.Fatalf("index %d: %v", tc.index, err)
		}
		if got.String() != tc.want {
			t.Fatalf("index %d: got %s want %s", tc.index, got, tc.want)
		}
	}
}

func TestDeltaTruncatesTowardZero(t *testing.T) {
	k := []*big.Int{big.NewInt(0)}
	got, err := Delta(k, 0, big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, "-3", got.String())

	k = []*big.Int{new(big.Int).Add(fixedpoint.Unit, big.NewInt(1))}
	got, err = Delta(k, 0, big.NewInt(999))
	require.NoError(t, err)
	require.Equal(t, "0", got.String())
}

func TestDeltaOutOfRange(t *testing.T) {
	_, err := Delta(testK(), 4, fixedpoint.Unit)
	if !errors.Is(err, ErrResultIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestDeltaSignFollowsK(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := big.NewInt(rapid.Int64Range(0, 3_000_000_000_000_000_000).Draw(t, "k"))
		mult := big.NewInt(rapid.Int64Range(1, 1_000_000_000_000_000_000).Draw(t, "mult"))

		got, err := Delta([]*big.Int{k}, 0, mult)
		if err != nil {
			t.Fatalf("delta: %v", err)
		}
		if got.Sign() > 0 && k.Cmp(fixedpoint.Unit) <= 0 {
			t.Fatalf("positive delta %s for k %s", got, k)
		}
		if got.Sign() < 0 && k.Cmp(fixedpoint.Unit) >= 0 {
			t.Fatalf("negative delta %s for k %s", got, k)
		}
	})
}

func seedResolvedTrial(t *testing.T, store *memory.Store, resultIndex uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateQkConfig(ctx, model.QkConfig{Hash: "qk-1", K: testK()})
	require.NoError(t, err)
	_, err = store.CreateTrial(ctx, model.Trial{
		ID:         "trial-1",
		QkHash:     "qk-1",
		Multiplier: fixedpoint.MustFromFloat64(2),
	})
	require.NoError(t, err)
	_, err = store.CreateGameInstance(ctx, model.GameInstance{ID: "trial-1", GameConfigHash: "game-1"})
	require.NoError(t, err)
	_, err = store.ResolveTrial(ctx, model.TrialResolution{
		OrderIndex:  model.NewOrderIndex(10, 0, 0),
		TrialID:     "trial-1",
		ResultIndex: resultIndex,
		Randomness:  big.NewInt(42),
	})
	require.NoError(t, err)
}

func TestEngineSettlesOnce(t *testing.T) {
	store := memory.New()
	seedResolvedTrial(t, store, 2)
	notes := &notify.Memory{}
	engine := NewEngine(store, notes, nil)

	job, err := NewJob("trial-1")
	require.NoError(t, err)
	require.Equal(t, "settle-trial-1", job.Key)

	for i := 0; i < 2; i++ {
		outcome, err := engine.Handle(context.Background(), job)
		require.NoError(t, err)
		require.Equal(t, queue.OutcomeOK, outcome.Kind)
	}

	trial, err := store.FindTrial(context.Background(), "trial-1")
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", trial.ResultK.String())
	require.Equal(t, "1000000000000000000", trial.DeltaAmount.String())

	game, err := store.FindGameInstance(context.Background(), "trial-1")
	require.NoError(t, err)
	require.NotNil(t, game.Result)
	require.Equal(t, uint64(2), game.Result.ResultIndex)
	require.Equal(t, "42", game.Result.Randomness.String())
	require.Equal(t, "1000000000000000000", game.Result.DeltaAmount.String())

	require.Equal(t, []string{notify.TypeTrialSettled}, notes.Types())
}

func TestEngineMissingDependencies(t *testing.T) {
	store := memory.New()
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()

	outcome, err := engine.Settle(ctx, "trial-1")
	require.NoError(t, err)
	require.Equal(t, queue.OutcomeMissing, outcome.Kind)

	_, err = store.CreateTrial(ctx, model.Trial{ID: "trial-1", QkHash: "qk-1", Multiplier: fixedpoint.Unit})
	require.NoError(t, err)
	outcome, err = engine.Settle(ctx, "trial-1")
	require.NoError(t, err)
	require.Equal(t, queue.OutcomeMissing, outcome.Kind)
	require.Contains(t, outcome.Dependency, "resolution")
}

func TestEngineOutOfRangeIsPermanent(t *testing.T) {
	store := memory.New()
	seedResolvedTrial(t, store, 9)
	engine := NewEngine(store, nil, nil)

	outcome, err := engine.Settle(context.Background(), "trial-1")
	require.NoError(t, err)
	require.Equal(t, queue.OutcomePermanent, outcome.Kind)

	trial, err := store.FindTrial(context.Background(), "trial-1")
	require.NoError(t, err)
	require.False(t, trial.Settled())
}

func TestHandleRejectsEmptyPayload(t *testing.T) {
	engine := NewEngine(memory.New(), nil, nil)
	job := queue.Job{Class: queue.ClassSettle, Key: "settle-", Payload: []byte(`{}`)}
	outcome, err := engine.Handle(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.OutcomePermanent, outcome.Kind)
}
