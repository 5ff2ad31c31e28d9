package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fareindexer/internal/chain"
	"fareindexer/internal/model"
)

// State is the listener lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateSubscribing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Transaction outcomes reported to the Recorder.
const (
	ResultDispatched = "dispatched"
	ResultEmpty      = "empty"
	ResultFailed     = "failed"
	ResultDuplicate  = "duplicate"
	ResultUnfetched  = "unfetched"
	ResultError      = "error"
)

var errTransactionUnavailable = errors.New("transaction not available yet")

// TransactionSource is the request/response side of the chain RPC.
type TransactionSource interface {
	GetTransaction(ctx context.Context, signature string) (*model.Transaction, error)
	GetSignaturesForAddress(ctx context.Context, address string, q chain.SignatureQuery) ([]chain.SignatureInfo, error)
}

// LogSource is the push subscription to program activity.
type LogSource interface {
	SubscribeLogs(ctx context.Context, programID, commitment string) (<-chan chain.LogNotification, error)
	Err() error
	Close() error
}

// Recorder observes listener activity.
type Recorder interface {
	StateChanged(state State)
	TransactionHandled(result string)
	EventDecoded(kind model.EventKind)
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(State)           {}
func (nopRecorder) TransactionHandled(string)    {}
func (nopRecorder) EventDecoded(model.EventKind) {}

// Config holds runtime settings for the listener.
type Config struct {
	ProgramID        string
	Commitment       string
	BackfillEnabled  bool
	BackfillLimit    int
	BackfillInterval time.Duration
	SeenCapacity     int
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	CursorPath       string
}

// Listener feeds program transactions from a live log subscription and a
// one-shot backfill into the Dispatcher.
type Listener struct {
	cfg        Config
	source     TransactionSource
	logs       LogSource
	dispatcher *Dispatcher
	seen       *SeenSet
	cursor     *CursorStore
	retry      rpcRetry
	recorder   Recorder
	logger     *zap.Logger
	state      atomic.Int32
}

// NewListener builds a Listener with its dependencies.
func NewListener(cfg Config, source TransactionSource, logs LogSource, dispatcher *Dispatcher, recorder Recorder, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	return &Listener{
		cfg:        cfg,
		source:     source,
		logs:       logs,
		dispatcher: dispatcher,
		seen:       NewSeenSet(cfg.SeenCapacity),
		cursor:     NewCursorStore(cfg.CursorPath),
		retry:      newRPCRetry(cfg.MaxRetries, cfg.RetryBackoff, cfg.RetryBackoffMax),
		recorder:   recorder,
		logger:     logger.With(zap.String("session", uuid.NewString())),
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.recorder.StateChanged(s)
}

// Run subscribes to program logs and, when enabled, backfills recent history
// concurrently. A subscription that cannot be opened or that drops is
// returned as an error; backfill failures are only logged. Run returns nil
// once ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if l.source == nil || l.logs == nil || l.dispatcher == nil {
		return fmt.Errorf("listener is missing a dependency")
	}
	if _, err := ParseProgramID(l.cfg.ProgramID); err != nil {
		return err
	}

	l.setState(StateSubscribing)
	defer l.setState(StateStopped)

	g, gctx := errgroup.WithContext(ctx)
	if l.cfg.BackfillEnabled {
		g.Go(func() error {
			l.backfill(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return l.live(gctx)
	})
	return g.Wait()
}

func (l *Listener) live(ctx context.Context) error {
	notes, err := l.logs.SubscribeLogs(ctx, l.cfg.ProgramID, l.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("subscribe to program logs: %w", err)
	}
	defer l.logs.Close()

	l.setState(StateLive)
	l.logger.Info("log subscription active", zap.String("program_id", l.cfg.ProgramID), zap.String("commitment", l.cfg.Commitment))

	for {
		select {
		case <-ctx.Done():
			return nil
		case note, ok := <-notes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := l.logs.Err()
				if err == nil {
					err = errors.New("stream closed")
				}
				return fmt.Errorf("log subscription ended: %w", err)
			}
			if note.Failed() {
				l.seen.Add(note.Signature)
				l.recorder.TransactionHandled(ResultFailed)
				l.logger.Debug("skip failed transaction", zap.String("signature", note.Signature))
				continue
			}
			if err := l.handleSignature(ctx, note.Signature); err != nil && ctx.Err() == nil {
				l.logger.Error("handle live transaction failed", zap.String("signature", note.Signature), zap.Uint64("slot", note.Slot), zap.Error(err))
			}
		}
	}
}

// handleSignature claims signature in the seen set, fetches and dispatches
// it. The claim is released on failure so a later observation retries.
func (l *Listener) handleSignature(ctx context.Context, signature string) error {
	if !l.seen.Add(signature) {
		l.recorder.TransactionHandled(ResultDuplicate)
		return nil
	}

	tx, err := l.fetchTransaction(ctx, signature)
	if err != nil {
		l.seen.Remove(signature)
		if errors.Is(err, errTransactionUnavailable) {
			l.recorder.TransactionHandled(ResultUnfetched)
		} else {
			l.recorder.TransactionHandled(ResultError)
		}
		return err
	}
	if tx.Failed() {
		l.recorder.TransactionHandled(ResultFailed)
		return nil
	}

	n, err := l.dispatcher.Submit(ctx, tx)
	if err != nil {
		l.seen.Remove(signature)
		l.recorder.TransactionHandled(ResultError)
		return fmt.Errorf("dispatch %s: %w", signature, err)
	}
	if n == 0 {
		l.recorder.TransactionHandled(ResultEmpty)
		return nil
	}
	l.recorder.TransactionHandled(ResultDispatched)
	l.logger.Info("transaction dispatched", zap.String("signature", signature), zap.Uint64("slot", tx.Slot), zap.Int("events", n))
	return nil
}

func (l *Listener) fetchTransaction(ctx context.Context, signature string) (*model.Transaction, error) {
	var tx *model.Transaction
	err := l.retry.do(ctx, func(ctx context.Context) error {
		var err error
		tx, err = l.source.GetTransaction(ctx, signature)
		if err != nil {
			l.logger.Warn("get transaction failed", zap.String("signature", signature), zap.Error(err))
			return err
		}
		if tx == nil {
			return errTransactionUnavailable
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", signature, err)
	}
	return tx, nil
}

// backfill submits up to BackfillLimit recent signatures oldest-first. It
// stops at the stored cursor and advances the cursor while every signature
// so far has been handled.
func (l *Listener) backfill(ctx context.Context) {
	start := time.Now()
	logger := l.logger.With(zap.Int("limit", l.cfg.BackfillLimit))

	cursor, resumed, err := l.cursor.Load()
	if err != nil {
		logger.Warn("load backfill cursor failed", zap.Error(err))
	}
	if resumed {
		logger = logger.With(zap.String("until", cursor.Signature))
	}
	logger.Info("backfill started")

	pacer := newPacer(l.cfg.BackfillInterval)
	defer pacer.stop()

	signatures, err := l.recentSignatures(ctx, cursor.Signature, pacer)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("backfill listing failed", zap.Error(err))
		}
		return
	}

	var dispatched, skipped, failed int
	advance := true
	for i := len(signatures) - 1; i >= 0; i-- {
		info := signatures[i]
		if info.Failed() {
			l.seen.Add(info.Signature)
			l.recorder.TransactionHandled(ResultFailed)
			skipped++
		} else if l.seen.Contains(info.Signature) {
			l.recorder.TransactionHandled(ResultDuplicate)
			skipped++
		} else {
			if !pacer.wait(ctx) {
				return
			}
			if err := l.handleSignature(ctx, info.Signature); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("backfill transaction failed", zap.String("signature", info.Signature), zap.Error(err))
				failed++
				advance = false
				continue
			}
			dispatched++
		}
		if advance {
			if err := l.cursor.Save(info.Signature, info.Slot); err != nil {
				logger.Warn("save backfill cursor failed", zap.Error(err))
				advance = false
			}
		}
	}

	logger.Info("backfill complete",
		zap.Int("signatures", len(signatures)),
		zap.Int("handled", dispatched),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// recentSignatures pages newest-first listings until the limit is reached,
// the history is exhausted or until is met.
func (l *Listener) recentSignatures(ctx context.Context, until string, pacer *pacer) ([]chain.SignatureInfo, error) {
	pages, err := PageSizes(l.cfg.BackfillLimit, chain.MaxSignaturesPerPage)
	if err != nil {
		return nil, err
	}

	var out []chain.SignatureInfo
	before := ""
	for _, size := range pages {
		if !pacer.wait(ctx) {
			return nil, ctx.Err()
		}
		query := chain.SignatureQuery{Limit: size, Before: before, Until: until}
		var page []chain.SignatureInfo
		err := l.retry.do(ctx, func(ctx context.Context) error {
			var err error
			page, err = l.source.GetSignaturesForAddress(ctx, l.cfg.ProgramID, query)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list signatures before %q: %w", before, err)
		}
		out = append(out, page...)
		if len(page) < size {
			break
		}
		before = page[len(page)-1].Signature
	}
	return out, nil
}

// pacer spaces backfill RPC calls. A zero interval never waits.
type pacer struct {
	ticker *time.Ticker
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		return &pacer{}
	}
	return &pacer{ticker: time.NewTicker(interval)}
}

func (p *pacer) wait(ctx context.Context) bool {
	if p.ticker == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.ticker.C:
		return true
	}
}

func (p *pacer) stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}
