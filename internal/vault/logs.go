package vault

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	programDataPrefix = "Program data: "
	programPrefix     = "Program "
)

// loggedEvent is one "Program data:" payload emitted by the vault program.
type loggedEvent struct {
	kind logKind

	poolRegistered  *poolRegisteredLog
	poolManager     *poolManagerUpdatedLog
	trialRegistered *trialRegisteredLog
	trialResolved   *trialResolvedLog
	feeCharged      *feeChargedLog
	accumulation    *accumulationLog
}

type poolRegisteredLog struct {
	pool, manager                                   string
	feePlayMul, feeLossMul, feeMintMul              float64
	feeHostPct, feePoolPct, minLimitForTicket, prob float64
}

type poolManagerUpdatedLog struct {
	pool, newManager string
}

type trialRegisteredLog struct {
	trialID, who, pool string
	multiplier         uint64
	qk                 [][2]float64
	extraDataHash      string
}

type trialResolvedLog struct {
	trialID     string
	resultIndex uint64
	randomness  float64
}

type feeChargedLog struct {
	feeType       uint8
	pool, trialID string
	amount        uint64
}

type accumulationLog struct {
	pool, trialID, receiver string
	amount                  uint64
}

// decodeLoggedEvent parses a base64 "Program data:" payload. Unknown
// discriminators return ok=false without error.
func decodeLoggedEvent(payload string) (loggedEvent, bool, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return loggedEvent{}, false, fmt.Errorf("decode program data: %w", err)
	}
	d, body, ok := splitDiscriminator(raw)
	if !ok {
		return loggedEvent{}, false, nil
	}
	kind, ok := logKinds[d]
	if !ok || kind.isAdmin() {
		return loggedEvent{}, false, nil
	}

	ev := loggedEvent{kind: kind}
	r := newReader(body)
	switch kind {
	case logPoolRegistered:
		ev.poolRegistered = &poolRegisteredLog{
			pool:              r.pubkey(),
			manager:           r.pubkey(),
			feePlayMul:        r.f64(),
			feeLossMul:        r.f64(),
			feeMintMul:        r.f64(),
			feeHostPct:        r.f64(),
			feePoolPct:        r.f64(),
			minLimitForTicket: r.f64(),
			prob:              r.f64(),
		}
	case logPoolManagerUpdated:
		ev.poolManager = &poolManagerUpdatedLog{pool: r.pubkey(), newManager: r.pubkey()}
	case logTrialRegistered:
		ev.trialRegistered = &trialRegisteredLog{
			trialID:    r.pubkey(),
			who:        r.pubkey(),
			pool:       r.pubkey(),
			multiplier: r.u64(),
			qk:         r.pairs(),
		}
		ev.trialRegistered.extraDataHash = r.string()
	case logTrialResolved:
		ev.trialResolved = &trialResolvedLog{trialID: r.pubkey(), resultIndex: r.u64(), randomness: r.f64()}
	case logFeeCharged:
		ev.feeCharged = &feeChargedLog{feeType: r.u8(), pool: r.pubkey(), trialID: r.pubkey(), amount: r.u64()}
	case logPoolAccumulatedAmountReleased:
		ev.accumulation = &accumulationLog{pool: r.pubkey(), trialID: r.pubkey(), receiver: r.pubkey(), amount: r.u64()}
	case logPoolAccumulatedAmountUpdated:
		ev.accumulation = &accumulationLog{pool: r.pubkey(), trialID: r.pubkey(), amount: r.u64()}
	}
	if r.err != nil {
		return loggedEvent{}, false, fmt.Errorf("decode %s: %w", kind, r.err)
	}
	return ev, true, nil
}

// attributeLogs walks the log stream and groups vault events by the index of
// the top-level instruction that emitted them. topPrograms holds the program
// id of every top-level instruction in order. A "Program <id> invoke [1]" line
// is matched to the next top-level instruction run by <id>; instructions
// skipped over (native precompiles) log nothing. Data lines count only while
// programID is the innermost executing program.
func attributeLogs(logs []string, programID string, topPrograms []string) (map[uint32][]loggedEvent, []error) {
	out := make(map[uint32][]loggedEvent)
	var errs []error

	var stack []string
	top, next := -1, 0
	for n, line := range logs {
		if strings.HasPrefix(line, programDataPrefix) {
			if top < 0 || len(stack) == 0 || stack[len(stack)-1] != programID {
				continue
			}
			ev, ok, err := decodeLoggedEvent(strings.TrimPrefix(line, programDataPrefix))
			if err != nil {
				errs = append(errs, fmt.Errorf("log line %d: %w", n, err))
				continue
			}
			if ok {
				out[uint32(top)] = append(out[uint32(top)], ev)
			}
			continue
		}
		if !strings.HasPrefix(line, programPrefix) {
			continue
		}

		fields := strings.Fields(strings.TrimPrefix(line, programPrefix))
		if len(fields) < 2 {
			continue
		}
		id, verb := fields[0], fields[1]
		switch {
		case verb == "invoke" && len(fields) >= 3:
			if fields[2] == "[1]" {
				top, next = matchTopLevel(topPrograms, next, id)
				stack = stack[:0]
			}
			stack = append(stack, id)
		case verb == "success" || strings.HasPrefix(verb, "failed"):
			if len(stack) > 0 && stack[len(stack)-1] == id {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return out, errs
}

// matchTopLevel returns the index of the first instruction at or after from
// that runs program, and the position to resume from. It returns -1 and
// leaves from unchanged when no instruction matches.
func matchTopLevel(topPrograms []string, from int, program string) (int, int) {
	for i := from; i < len(topPrograms); i++ {
		if topPrograms[i] == program {
			return i, i + 1
		}
	}
	return -1, from
}
