package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/btcsuite/btcutil/base58"

	"fareindexer/internal/model"
)

func testKey(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, PubkeyLength))
}

type borshWriter struct {
	buf bytes.Buffer
}

func (w *borshWriter) disc(d discriminator) *borshWriter { w.buf.Write(d[:]); return w }

func (w *borshWriter) u8(v uint8) *borshWriter { w.buf.WriteByte(v); return w }

func (w *borshWriter) u32(v uint32) *borshWriter {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *borshWriter) u64(v uint64) *borshWriter {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *borshWriter) f64(v float64) *borshWriter { return w.u64(math.Float64bits(v)) }

func (w *borshWriter) pubkey(key string) *borshWriter {
	w.buf.Write(base58.Decode(key))
	return w
}

func (w *borshWriter) str(s string) *borshWriter {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
	return w
}

func (w *borshWriter) pairs(p [][2]float64) *borshWriter {
	w.u32(uint32(len(p)))
	for _, pair := range p {
		w.f64(pair[0]).f64(pair[1])
	}
	return w
}

func (w *borshWriter) base58() string { return base58.Encode(w.buf.Bytes()) }

func (w *borshWriter) dataLine() string {
	return programDataPrefix + base64.StdEncoding.EncodeToString(w.buf.Bytes())
}

func instructionDisc(kind InstructionKind) discriminator {
	for d, k := range instructionKinds {
		if k == kind {
			return d
		}
	}
	panic("unknown instruction " + kind)
}

func logDisc(kind logKind) discriminator {
	for d, k := range logKinds {
		if k == kind {
			return d
		}
	}
	panic("unknown event " + kind)
}

func invoke(program string, depth string) string { return "Program " + program + " invoke [" + depth + "]" }

func success(program string) string { return "Program " + program + " success" }

func transferJSON(t *testing.T, kind, source, destination, authority string, amount string) json.RawMessage {
	t.Helper()
	info := map[string]interface{}{
		"source":      source,
		"destination": destination,
		"authority":   authority,
	}
	if kind == "transferChecked" {
		info["tokenAmount"] = map[string]string{"amount": amount}
	} else {
		info["amount"] = amount
	}
	b, err := json.Marshal(map[string]interface{}{"type": kind, "info": info})
	if err != nil {
		t.Fatalf("marshal transfer: %v", err)
	}
	return b
}

func accountRefs(addrs ...string) []model.AccountRef {
	refs := make([]model.AccountRef, len(addrs))
	for i, a := range addrs {
		refs[i] = model.AccountRef{Address: a}
	}
	return refs
}

func newTx(sig string, slot uint64, instructions []model.Instruction, logs []string, inner ...model.InnerInstructions) *model.Transaction {
	blockTime := int64(1700000000)
	return &model.Transaction{
		Slot:      slot,
		BlockTime: &blockTime,
		Meta: &model.TransactionMeta{
			LogMessages:       logs,
			InnerInstructions: inner,
		},
		Transaction: model.TransactionBody{
			Signatures: []string{sig},
			Message:    model.Message{Instructions: instructions},
		},
	}
}
