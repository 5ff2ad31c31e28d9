package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcutil/base58"
)

// PubkeyLength is the size of an ed25519 public key.
const PubkeyLength = 32

// maxVecLen caps Borsh vector and string lengths so a corrupt prefix cannot
// trigger a huge allocation.
const maxVecLen = 1 << 16

var errShortBuffer = errors.New("short buffer")

// reader walks a little-endian Borsh buffer. The first failure sticks; callers
// check err once after reading a whole struct.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("read %d bytes at offset %d: %w", n, r.off, errShortBuffer)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) pubkey() string {
	b := r.take(PubkeyLength)
	if b == nil {
		return ""
	}
	return base58.Encode(b)
}

func (r *reader) length() int {
	n := r.u32()
	if r.err == nil && n > maxVecLen {
		r.err = fmt.Errorf("length %d exceeds limit", n)
		return 0
	}
	return int(n)
}

func (r *reader) string() string {
	n := r.length()
	return string(r.take(n))
}

// pairs reads a Vec<[f64; 2]>.
func (r *reader) pairs() [][2]float64 {
	n := r.length()
	if r.err != nil {
		return nil
	}
	out := make([][2]float64, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, [2]float64{r.f64(), r.f64()})
	}
	return out
}
