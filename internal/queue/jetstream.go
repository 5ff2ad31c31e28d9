package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// JetStreamConfig configures the NATS JetStream queue.
type JetStreamConfig struct {
	URL    string
	Stream string
	// DuplicateWindow is how long the server remembers idempotency keys.
	DuplicateWindow time.Duration
	AckWait         time.Duration
}

// JetStream is a Queue backed by a NATS JetStream work-queue stream: one
// subject and one durable pull consumer per job class.
type JetStream struct {
	cfg  JetStreamConfig
	opts Options
	nc   *nats.Conn
	js   jetstream.JetStream
}

// ConnectJetStream dials NATS and ensures the job stream exists.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, opts Options) (*JetStream, error) {
	opts = opts.withDefaults()
	if cfg.Stream == "" {
		cfg.Stream = "FAREINDEXER"
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 24 * time.Hour
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	logger := opts.Logger

	nc, err := nats.Connect(cfg.URL,
		nats.Name("fareindexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	q := &JetStream{cfg: cfg, opts: opts, nc: nc, js: js}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Stream + ".jobs.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: cfg.DuplicateWindow,
		Replicas:   1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	logger.Info("ensured job stream", zap.String("stream", cfg.Stream))
	return q, nil
}

// Conn exposes the NATS connection for publishers sharing it.
func (q *JetStream) Conn() *nats.Conn {
	return q.nc
}

func (q *JetStream) subject(class Class) string {
	return fmt.Sprintf("%s.jobs.%s", q.cfg.Stream, class)
}

// Enqueue publishes job with its key as the JetStream message id.
func (q *JetStream) Enqueue(ctx context.Context, job Job) error {
	if !job.Class.Valid() {
		return fmt.Errorf("unknown job class %q", job.Class)
	}
	job.Attempt = 0
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ack, err := q.js.Publish(ctx, q.subject(job.Class), data, jetstream.WithMsgID(job.Key))
	if err != nil {
		return fmt.Errorf("publish %s: %w", job.Key, err)
	}
	if ack.Duplicate {
		q.opts.Logger.Debug("duplicate job dropped", zap.String("key", job.Key))
	}
	return nil
}

// Run implements Queue. A single reader pulls messages and hands them to
// concurrency workers.
func (q *JetStream) Run(ctx context.Context, class Class, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       "fareindexer-" + string(class),
		FilterSubject: q.subject(class),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.opts.Attempts,
		MaxAckPending: concurrency * 2,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", class, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", class, err)
	}
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(iter.Stop) }
	release := stopWhenDone(ctx, stop)
	defer release()

	work := context.WithoutCancel(ctx)
	msgs := make(chan jetstream.Msg)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				q.handle(work, class, msg, handler)
			}
		}()
	}

	q.opts.Logger.Info("worker pool started", zap.String("class", string(class)), zap.Int("concurrency", concurrency))
	var runErr error
	for {
		msg, err := iter.Next()
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				runErr = fmt.Errorf("next %s message: %w", class, err)
				stop()
			}
			break
		}
		msgs <- msg
	}
	close(msgs)
	wg.Wait()
	q.opts.Logger.Info("worker pool stopped", zap.String("class", string(class)))
	return runErr
}

// stopWhenDone calls stop when ctx ends. The returned release ends the watch
// without calling stop and returns once the watcher has exited.
func stopWhenDone(ctx context.Context, stop func()) (release func()) {
	released := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			stop()
		case <-released:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(released) })
		<-exited
	}
}

func (q *JetStream) handle(ctx context.Context, class Class, msg jetstream.Msg, handler Handler) {
	logger := q.opts.Logger.With(zap.String("class", string(class)))

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		logger.Error("malformed job", zap.Error(err))
		_ = q.opts.DeadLetters.Put(NewDeadLetter(Job{Class: class, Payload: msg.Data()}, "malformed job: "+err.Error()))
		_ = msg.Term()
		return
	}
	job.Attempt = 1
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	d, delay := q.opts.process(ctx, job, handler)
	var err error
	switch d {
	case decisionAck:
		err = msg.Ack()
	case decisionRetry:
		err = msg.NakWithDelay(delay)
	case decisionDeadLetter:
		err = msg.Term()
	}
	if err != nil {
		logger.Warn("settle message failed", zap.String("key", job.Key), zap.Error(err))
	}
}

// Close drains the connection, flushing pending acks.
func (q *JetStream) Close() error {
	if q.nc == nil {
		return nil
	}
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}
