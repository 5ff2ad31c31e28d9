package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"fareindexer/internal/fixedpoint"
)

// QkHash identifies a probability/payout table by content: SHA-256 over the
// fixed-point decimals of Q and K ("q0,q1|k0,k1"), hex encoded.
func QkHash(q, k []*big.Int) string {
	var b strings.Builder
	b.WriteString(strings.Join(fixedpoint.Strings(q), ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(fixedpoint.Strings(k), ","))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// EffectiveEV is sum(q[i]*k[i]) / 10^18, the expected payout per unit staked.
func EffectiveEV(q, k []*big.Int) *big.Int {
	ev := new(big.Int)
	for i := 0; i < len(q) && i < len(k); i++ {
		ev.Add(ev, fixedpoint.Scale(q[i], k[i]))
	}
	return ev
}

// splitQK converts the wire (q, k) pairs to fixed point.
func splitQK(pairs [][2]float64) ([]*big.Int, []*big.Int, error) {
	q := make([]*big.Int, 0, len(pairs))
	k := make([]*big.Int, 0, len(pairs))
	for i, pair := range pairs {
		qv, err := fixedpoint.FromFloat64(pair[0])
		if err != nil {
			return nil, nil, fmt.Errorf("q[%d]: %w", i, err)
		}
		kv, err := fixedpoint.FromFloat64(pair[1])
		if err != nil {
			return nil, nil, fmt.Errorf("k[%d]: %w", i, err)
		}
		q = append(q, qv)
		k = append(k, kv)
	}
	return q, k, nil
}
