package vault

import (
	"encoding/json"
	"math/big"

	"fareindexer/internal/model"
)

type parsedInstruction struct {
	Type string       `json:"type"`
	Info transferInfo `json:"info"`
}

type transferInfo struct {
	Source            string `json:"source"`
	Destination       string `json:"destination"`
	Authority         string `json:"authority"`
	MultisigAuthority string `json:"multisigAuthority"`
	Amount            string `json:"amount"`
	TokenAmount       *struct {
		Amount string `json:"amount"`
	} `json:"tokenAmount"`
}

// transfer is a parsed SPL Token transfer or transferChecked.
type transfer struct {
	source, destination, authority string
	amount                         *big.Int
}

func parseTransfer(in model.Instruction) (transfer, bool) {
	if len(in.Parsed) == 0 || in.Parsed[0] != '{' {
		return transfer{}, false
	}
	var p parsedInstruction
	if err := json.Unmarshal(in.Parsed, &p); err != nil {
		return transfer{}, false
	}
	if p.Type != "transfer" && p.Type != "transferChecked" {
		return transfer{}, false
	}

	raw := p.Info.Amount
	if raw == "" && p.Info.TokenAmount != nil {
		raw = p.Info.TokenAmount.Amount
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return transfer{}, false
	}
	authority := p.Info.Authority
	if authority == "" {
		authority = p.Info.MultisigAuthority
	}
	return transfer{
		source:      p.Info.Source,
		destination: p.Info.Destination,
		authority:   authority,
		amount:      amount,
	}, true
}

// transfersFor lists the token transfers executed under top-level instruction
// ix, followed by the top-level transfers of the transaction.
func transfersFor(tx *model.Transaction, ix uint32) []transfer {
	var out []transfer
	for _, in := range tx.InnerFor(ix) {
		if t, ok := parseTransfer(in); ok {
			out = append(out, t)
		}
	}
	for _, in := range tx.Transaction.Message.Instructions {
		if t, ok := parseTransfer(in); ok {
			out = append(out, t)
		}
	}
	return out
}

func addressSet(addrs ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}

// amountFrom returns the first transfer paid by one of owners, or zero.
func amountFrom(transfers []transfer, owners ...string) *big.Int {
	set := addressSet(owners...)
	for _, t := range transfers {
		_, src := set[t.source]
		_, auth := set[t.authority]
		if src || auth {
			return new(big.Int).Set(t.amount)
		}
	}
	return new(big.Int)
}

// amountTo returns the first transfer received by one of owners, or zero.
func amountTo(transfers []transfer, owners ...string) *big.Int {
	set := addressSet(owners...)
	for _, t := range transfers {
		if _, ok := set[t.destination]; ok {
			return new(big.Int).Set(t.amount)
		}
	}
	return new(big.Int)
}
