package indexer

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const signatureLength = 64

// ParseProgramID validates a base58 program address.
func ParseProgramID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("program id is required")
	}
	if n := len(base58.Decode(input)); n != 32 {
		return "", fmt.Errorf("invalid program id: %s", input)
	}
	return input, nil
}

// ParseSignatures validates base58 transaction signatures, skipping blanks.
func ParseSignatures(inputs []string) ([]string, error) {
	out := make([]string, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if len(base58.Decode(input)) != signatureLength {
			return nil, fmt.Errorf("invalid signature: %s", input)
		}
		out = append(out, input)
	}
	return out, nil
}
