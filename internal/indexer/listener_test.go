package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fareindexer/internal/chain"
	"fareindexer/internal/model"
	"fareindexer/internal/queue"
)

const testProgramID = "FAREvmepkHArRWwLjHmwPQGL9Byg8iKF3hu1vewxTSXe"

type fakeSource struct {
	mu         sync.Mutex
	txs        map[string]*model.Transaction
	signatures []chain.SignatureInfo // newest first
	queries    []chain.SignatureQuery
	listErr    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{txs: make(map[string]*model.Transaction)}
}

// addTx appends a transaction as the newest in history.
func (f *fakeSource) addTx(sig string, slot uint64, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &model.Transaction{Slot: slot}
	tx.Transaction.Signatures = []string{sig}
	info := chain.SignatureInfo{Signature: sig, Slot: slot}
	if failed {
		tx.Meta = &model.TransactionMeta{Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)}
		info.Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	}
	f.txs[sig] = tx
	f.signatures = append([]chain.SignatureInfo{info}, f.signatures...)
}

func (f *fakeSource) GetTransaction(_ context.Context, sig string) (*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[sig], nil
}

func (f *fakeSource) GetSignaturesForAddress(_ context.Context, _ string, q chain.SignatureQuery) ([]chain.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := 0
	if q.Before != "" {
		for i, s := range f.signatures {
			if s.Signature == q.Before {
				start = i + 1
				break
			}
		}
	}
	var out []chain.SignatureInfo
	for _, s := range f.signatures[start:] {
		if s.Signature == q.Until || len(out) == q.Limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

type fakeLogs struct {
	ch           chan chain.LogNotification
	subscribeErr error
	streamErr    error
	mu           sync.Mutex
	closed       bool
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{ch: make(chan chain.LogNotification, 16)}
}

func (f *fakeLogs) SubscribeLogs(context.Context, string, string) (<-chan chain.LogNotification, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.ch, nil
}

func (f *fakeLogs) Err() error { return f.streamErr }

func (f *fakeLogs) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// oneEventDecoder emits a single TrialResolved event per transaction.
type oneEventDecoder struct{}

func (oneEventDecoder) DecodeTransaction(tx *model.Transaction) []model.Event {
	if tx.Failed() {
		return nil
	}
	return []model.Event{{
		Kind:          model.KindTrialResolved,
		Signature:     tx.Signature(),
		Slot:          tx.Slot,
		TrialResolved: &model.TrialResolvedData{TrialID: "trial-" + tx.Signature()},
	}}
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	keys map[string]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keys == nil {
		q.keys = make(map[string]bool)
	}
	if q.keys[job.Key] {
		return nil
	}
	q.keys[job.Key] = true
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) signatures(t *testing.T) []string {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for _, job := range q.jobs {
		var raw model.RawEvent
		if err := job.Decode(&raw); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		out = append(out, raw.Signature)
	}
	return out
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type stateRecorder struct {
	mu      sync.Mutex
	states  []State
	results map[string]int
}

func (r *stateRecorder) StateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) TransactionHandled(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[result]++
}

func (r *stateRecorder) EventDecoded(model.EventKind) {}

func (r *stateRecorder) count(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[result]
}

func newTestListener(cfg Config, source *fakeSource, logs *fakeLogs, q *recordingQueue, rec *stateRecorder) *Listener {
	if cfg.ProgramID == "" {
		cfg.ProgramID = testProgramID
	}
	cfg.RetryBackoff = time.Millisecond
	dispatcher := NewDispatcher(oneEventDecoder{}, q, rec, nil)
	return NewListener(cfg, source, logs, dispatcher, rec, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestListenerBackfillOldestFirst(t *testing.T) {
	source := newFakeSource()
	for i := 1; i <= 5; i++ {
		source.addTx(fmt.Sprintf("sig-%d", i), uint64(100+i), i == 3)
	}
	logs := newFakeLogs()
	q := &recordingQueue{}
	rec := &stateRecorder{}
	l := newTestListener(Config{BackfillEnabled: true, BackfillLimit: 10}, source, logs, q, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "backfill", func() bool { return q.len() == 4 })
	require.Equal(t, []string{"sig-1", "sig-2", "sig-4", "sig-5"}, q.signatures(t))
	waitFor(t, "live state", func() bool { return l.State() == StateLive })
	require.Equal(t, 1, rec.count(ResultFailed))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, StateStopped, l.State())
	require.True(t, logs.closed)
}

func TestListenerLiveAndBackfillDedup(t *testing.T) {
	source := newFakeSource()
	source.addTx("sig-a", 10, false)
	source.addTx("sig-b", 11, false)
	logs := newFakeLogs()
	logs.ch <- chain.LogNotification{Slot: 11, Signature: "sig-b"}
	logs.ch <- chain.LogNotification{Slot: 11, Signature: "sig-b"}
	q := &recordingQueue{}
	rec := &stateRecorder{}
	l := newTestListener(Config{BackfillEnabled: true, BackfillLimit: 10}, source, logs, q, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "both signatures", func() bool { return q.len() == 2 && rec.count(ResultDuplicate) >= 1 })
	cancel()
	require.NoError(t, <-done)

	require.ElementsMatch(t, []string{"sig-a", "sig-b"}, q.signatures(t))
	require.Equal(t, 2, rec.count(ResultDispatched))
}

func TestListenerLiveSkipsFailedNotification(t *testing.T) {
	source := newFakeSource()
	source.addTx("sig-ok", 20, false)
	logs := newFakeLogs()
	logs.ch <- chain.LogNotification{Slot: 19, Signature: "sig-bad", Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)}
	logs.ch <- chain.LogNotification{Slot: 20, Signature: "sig-ok"}
	q := &recordingQueue{}
	rec := &stateRecorder{}
	l := newTestListener(Config{}, source, logs, q, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "live dispatch", func() bool { return q.len() == 1 })
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []string{"sig-ok"}, q.signatures(t))
	require.True(t, l.seen.Contains("sig-bad"))
	require.Empty(t, source.queries)
}

func TestListenerSubscriptionFailureIsFatal(t *testing.T) {
	source := newFakeSource()
	logs := newFakeLogs()
	logs.subscribeErr = errors.New("method not found")
	l := newTestListener(Config{BackfillEnabled: true, BackfillLimit: 5}, source, logs, &recordingQueue{}, &stateRecorder{})

	err := l.Run(context.Background())
	if err == nil {
		t.Fatalf("expected subscription error")
	}
	require.Contains(t, err.Error(), "method not found")
	require.Equal(t, StateStopped, l.State())
}

func TestListenerStreamDropIsFatal(t *testing.T) {
	logs := newFakeLogs()
	logs.streamErr = errors.New("connection reset")
	close(logs.ch)
	l := newTestListener(Config{}, newFakeSource(), logs, &recordingQueue{}, &stateRecorder{})

	err := l.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}

func TestListenerBackfillFailureKeepsLive(t *testing.T) {
	source := newFakeSource()
	source.listErr = errors.New("429 too many requests")
	source.addTx("sig-live", 30, false)
	logs := newFakeLogs()
	logs.ch <- chain.LogNotification{Slot: 30, Signature: "sig-live"}
	q := &recordingQueue{}
	l := newTestListener(Config{BackfillEnabled: true, BackfillLimit: 5}, source, logs, q, &stateRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "live dispatch", func() bool { return q.len() == 1 })
	cancel()
	require.NoError(t, <-done)
}

func TestListenerBackfillResumesFromCursor(t *testing.T) {
	source := newFakeSource()
	for i := 1; i <= 3; i++ {
		source.addTx(fmt.Sprintf("sig-%d", i), uint64(i), false)
	}
	cursorPath := filepath.Join(t.TempDir(), "cursor.json")
	cfg := Config{BackfillEnabled: true, BackfillLimit: 10, CursorPath: cursorPath}

	runOnce := func(q *recordingQueue, want int) {
		t.Helper()
		l := newTestListener(cfg, source, newFakeLogs(), q, &stateRecorder{})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()
		waitFor(t, "backfill", func() bool { return q.len() == want })
		waitFor(t, "cursor", func() bool {
			cur, ok, err := NewCursorStore(cursorPath).Load()
			return err == nil && ok && cur.Signature == source.signatures[0].Signature
		})
		cancel()
		require.NoError(t, <-done)
	}

	runOnce(&recordingQueue{}, 3)

	source.addTx("sig-4", 4, false)
	source.addTx("sig-5", 5, false)
	second := &recordingQueue{}
	runOnce(second, 2)
	require.Equal(t, []string{"sig-4", "sig-5"}, second.signatures(t))
	require.Equal(t, "sig-3", source.queries[len(source.queries)-1].Until)
}

func TestListenerRejectsBadProgramID(t *testing.T) {
	l := newTestListener(Config{ProgramID: "not-base58-0OIl"}, newFakeSource(), newFakeLogs(), &recordingQueue{}, &stateRecorder{})
	require.Error(t, l.Run(context.Background()))
}
