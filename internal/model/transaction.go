package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Transaction is a confirmed transaction as returned by getTransaction. Both
// the jsonParsed encoding (resolved program ids and account strings) and the
// raw encoding (programIdIndex and account indices) are accepted.
type Transaction struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction TransactionBody  `json:"transaction"`
}

// TransactionBody holds the signatures and the message.
type TransactionBody struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

// Message is the signed transaction message.
type Message struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// TransactionMeta carries execution status, logs and inner instructions.
type TransactionMeta struct {
	Err               json.RawMessage     `json:"err"`
	LogMessages       []string            `json:"logMessages"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
	LoadedAddresses   *LoadedAddresses    `json:"loadedAddresses,omitempty"`
}

// LoadedAddresses lists accounts loaded from address lookup tables.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// InnerInstructions groups the CPI instructions of one top-level instruction.
type InnerInstructions struct {
	Index        uint32        `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// AccountKey is an entry of the account key table. It decodes from either a
// bare base58 string or a {"pubkey": ...} object.
type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// UnmarshalJSON accepts both account key encodings.
func (k *AccountKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &k.Pubkey)
	}
	type alias AccountKey
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*k = AccountKey(a)
	return nil
}

// AccountRef is an instruction account, either an address or an index into
// the account key table.
type AccountRef struct {
	Address string
	Index   int
	indexed bool
}

// UnmarshalJSON accepts a base58 string or an integer index.
func (r *AccountRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Address)
	}
	idx, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("account ref: %w", err)
	}
	r.Index = idx
	r.indexed = true
	return nil
}

// MarshalJSON writes the ref back in the encoding it was read from.
func (r AccountRef) MarshalJSON() ([]byte, error) {
	if r.indexed {
		return []byte(strconv.Itoa(r.Index)), nil
	}
	return json.Marshal(r.Address)
}

// Instruction is a top-level or inner instruction. Parsed is set by the RPC
// node for programs it knows (SPL Token); Data is base58 otherwise.
type Instruction struct {
	ProgramID      string          `json:"programId,omitempty"`
	ProgramIDIndex *int            `json:"programIdIndex,omitempty"`
	Program        string          `json:"program,omitempty"`
	Accounts       []AccountRef    `json:"accounts,omitempty"`
	Data           string          `json:"data,omitempty"`
	Parsed         json.RawMessage `json:"parsed,omitempty"`
	StackHeight    *int            `json:"stackHeight,omitempty"`
}

// Signature is the transaction id (first signature).
func (tx *Transaction) Signature() string {
	if len(tx.Transaction.Signatures) == 0 {
		return ""
	}
	return tx.Transaction.Signatures[0]
}

// Failed reports whether the transaction failed on-chain.
func (tx *Transaction) Failed() bool {
	if tx.Meta == nil {
		return false
	}
	err := bytes.TrimSpace(tx.Meta.Err)
	return len(err) > 0 && !bytes.Equal(err, []byte("null"))
}

// Logs returns the program log lines.
func (tx *Transaction) Logs() []string {
	if tx.Meta == nil {
		return nil
	}
	return tx.Meta.LogMessages
}

// Time converts the block time, returning the zero time when unknown.
// Decoding substitutes the observation time for an unknown block time.
func (tx *Transaction) Time() time.Time {
	if tx.BlockTime == nil {
		return time.Time{}
	}
	return time.Unix(*tx.BlockTime, 0).UTC()
}

// AccountKeys returns the full key table including lookup-table loads.
func (tx *Transaction) AccountKeys() []string {
	keys := make([]string, 0, len(tx.Transaction.Message.AccountKeys))
	for _, k := range tx.Transaction.Message.AccountKeys {
		keys = append(keys, k.Pubkey)
	}
	if tx.Meta != nil && tx.Meta.LoadedAddresses != nil {
		keys = append(keys, tx.Meta.LoadedAddresses.Writable...)
		keys = append(keys, tx.Meta.LoadedAddresses.Readonly...)
	}
	return keys
}

// InnerFor returns the inner instructions executed under top-level index ix.
func (tx *Transaction) InnerFor(ix uint32) []Instruction {
	if tx.Meta == nil {
		return nil
	}
	for _, inner := range tx.Meta.InnerInstructions {
		if inner.Index == ix {
			return inner.Instructions
		}
	}
	return nil
}

// ProgramAddress resolves the instruction's program against keys.
func (in Instruction) ProgramAddress(keys []string) string {
	if in.ProgramID != "" {
		return in.ProgramID
	}
	if in.ProgramIDIndex != nil && *in.ProgramIDIndex >= 0 && *in.ProgramIDIndex < len(keys) {
		return keys[*in.ProgramIDIndex]
	}
	return ""
}

// AccountAddresses resolves the instruction's accounts against keys.
// Out-of-range indices resolve to the empty string.
func (in Instruction) AccountAddresses(keys []string) []string {
	out := make([]string, len(in.Accounts))
	for i, ref := range in.Accounts {
		if !ref.indexed {
			out[i] = ref.Address
			continue
		}
		if ref.Index >= 0 && ref.Index < len(keys) {
			out[i] = keys[ref.Index]
		}
	}
	return out
}
