package model

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// PositionLimit bounds instruction and inner-instruction positions. Positions at
// or above it would collide with the next component of the index.
const PositionLimit = 1_000_000

var (
	slotFactor        = uint256.NewInt(1_000_000_000_000)
	instructionFactor = uint256.NewInt(PositionLimit)
)

// OrderIndex is the global ordering key of a decoded event:
// slot*10^12 + instructionIndex*10^6 + innerInstructionIndex.
// It doubles as the RawEvent primary key and idempotency token.
type OrderIndex struct {
	v uint256.Int
}

// NewOrderIndex computes the index for an event position.
func NewOrderIndex(slot uint64, instructionIndex, innerIndex uint32) OrderIndex {
	var idx OrderIndex
	idx.v.Mul(uint256.NewInt(slot), slotFactor)

	var ix uint256.Int
	ix.Mul(uint256.NewInt(uint64(instructionIndex)), instructionFactor)
	idx.v.Add(&idx.v, &ix)
	idx.v.Add(&idx.v, uint256.NewInt(uint64(innerIndex)))
	return idx
}

// ValidPosition reports whether the positions keep NewOrderIndex injective.
func ValidPosition(instructionIndex, innerIndex uint32) bool {
	return instructionIndex < PositionLimit && innerIndex < PositionLimit
}

// ParseOrderIndex reads a base-10 order index.
func ParseOrderIndex(text string) (OrderIndex, error) {
	b, ok := new(big.Int).SetString(text, 10)
	if !ok || b.Sign() < 0 {
		return OrderIndex{}, fmt.Errorf("invalid order index %q", text)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return OrderIndex{}, fmt.Errorf("order index overflow %q", text)
	}
	return OrderIndex{v: *v}, nil
}

// Cmp compares two indexes, returning -1, 0 or +1.
func (o OrderIndex) Cmp(other OrderIndex) int {
	return o.v.Cmp(&other.v)
}

// IsZero reports whether the index is unset.
func (o OrderIndex) IsZero() bool {
	return o.v.IsZero()
}

// String renders the index in base 10.
func (o OrderIndex) String() string {
	return o.v.ToBig().String()
}

// MarshalText encodes the index as a decimal string.
func (o OrderIndex) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes a decimal string.
func (o *OrderIndex) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderIndex(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
