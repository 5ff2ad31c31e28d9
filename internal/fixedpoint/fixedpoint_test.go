package fixedpoint

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFromFloat64Samples(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1, "1000000000000000000"},
		{1.5, "1500000000000000000"},
		{2, "2000000000000000000"},
		{0.3, "300000000000000000"},
		{0.1, "100000000000000000"},
		{0.025, "25000000000000000"},
		{0.98, "980000000000000000"},
		{-0.5, "-500000000000000000"},
		{1e-18, "1"},
		{1e-19, "0"},
		{-1e-19, "0"},
		{0.123456789012345678, "123456789012345680"},
		{12345.6789, "12345678900000000000000"},
	}

	for _, tc := range cases {
		got, err := FromFloat64(tc.in)
		if err != nil {
			t.Fatalf("convert %v: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("convert %v: got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestFromFloat64RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := FromFloat64(f); err == nil {
			t.Fatalf("expected error for %v", f)
		}
	}
}

func TestScaleFeeSplit(t *testing.T) {
	fee := big.NewInt(1_000_000)
	host := Scale(fee, MustFromFloat64(0.3))
	pool := Scale(fee, MustFromFloat64(0.1))

	if host.String() != "300000" {
		t.Fatalf("host amount: %s", host)
	}
	if pool.String() != "100000" {
		t.Fatalf("pool amount: %s", pool)
	}
}

func TestMulDivTruncatesTowardZero(t *testing.T) {
	got := MulDiv(big.NewInt(-7), big.NewInt(1), big.NewInt(2))
	if got.Int64() != -3 {
		t.Fatalf("got %s want -3", got)
	}
	got = MulDiv(big.NewInt(7), big.NewInt(1), big.NewInt(2))
	if got.Int64() != 3 {
		t.Fatalf("got %s want 3", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	v, err := Parse("-123456789012345678901234567890")
	require.NoError(t, err)
	require.Equal(t, "-123456789012345678901234567890", String(v))

	_, err = Parse("12a")
	require.Error(t, err)

	zero, err := Parse("")
	require.NoError(t, err)
	require.Zero(t, zero.Sign())
}

func TestFromFloat64IntegersAreExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Int64Range(-1<<52, 1<<52).Draw(t, "n")
		got, err := FromFloat64(float64(n))
		require.NoError(t, err)
		want := new(big.Int).Mul(big.NewInt(n), Unit)
		require.Zero(t, want.Cmp(got))
	})
}
