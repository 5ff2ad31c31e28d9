package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingPeriod = 20 * time.Second
	defaultReadWait   = 60 * time.Second
	defaultWriteWait  = 10 * time.Second
	subscribeRequest  = 1
	unsubscribeID     = 2
)

// LogNotification is one logsNotification pushed by the node.
type LogNotification struct {
	Slot      uint64
	Signature string
	Err       json.RawMessage
	Logs      []string
}

// Failed reports whether the notified transaction failed on-chain.
func (n LogNotification) Failed() bool {
	return len(n.Err) > 0 && string(n.Err) != "null"
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcMessage struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Subscriber streams logsSubscribe notifications over a websocket. It is
// single use: once the stream ends, build a new one.
type Subscriber struct {
	url        string
	logger     *zap.Logger
	pingPeriod time.Duration
	readWait   time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu    sync.Mutex
	subID uint64
	err   error

	done chan struct{}
	once sync.Once
}

// ReadWait sets how long a read may block before the stream is considered
// dead. Pongs and notifications both extend it. It should be longer than
// the ping period.
func ReadWait(readWait time.Duration) func(*Subscriber) {
	return func(s *Subscriber) {
		s.readWait = readWait
	}
}

// PingPeriod sets the keepalive ping interval. Zero disables pings.
func PingPeriod(pingPeriod time.Duration) func(*Subscriber) {
	return func(s *Subscriber) {
		s.pingPeriod = pingPeriod
	}
}

// NewSubscriber builds a subscriber for the websocket endpoint wsURL.
func NewSubscriber(wsURL string, logger *zap.Logger, options ...func(*Subscriber)) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		url:        wsURL,
		logger:     logger,
		pingPeriod: defaultPingPeriod,
		readWait:   defaultReadWait,
		done:       make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// SubscribeLogs opens the socket, subscribes to logs mentioning programID and
// streams notifications until ctx is cancelled, Close is called or the
// connection drops or goes quiet for longer than the read wait. The returned
// channel is closed in every case; Err reports why.
func (s *Subscriber) SubscribeLogs(ctx context.Context, programID, commitment string) (<-chan LogNotification, error) {
	if commitment == "" {
		commitment = "confirmed"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Watch ctx from here on so a node that never answers the handshake
	// cannot outlive a cancellation.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	subID, err := s.handshake(programID, commitment)
	if err != nil {
		s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("await subscription: %w", ctxErr)
		}
		return nil, err
	}
	s.logger.Info("logs subscription open", zap.String("program", programID), zap.Uint64("subscription", subID))

	conn.SetPongHandler(func(string) error {
		s.extendRead()
		return nil
	})

	out := make(chan LogNotification, 64)
	if s.pingPeriod > 0 {
		go s.pingRoutine()
	}
	go s.readRoutine(ctx, out)
	return out, nil
}

func (s *Subscriber) handshake(programID, commitment string) (uint64, error) {
	err := s.write(rpcRequest{
		JSONRPC: "2.0",
		ID:      subscribeRequest,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{programID}},
			map[string]string{"commitment": commitment},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("send logsSubscribe: %w", err)
	}

	for {
		s.extendRead()
		var msg rpcMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return 0, fmt.Errorf("await subscription: %w", err)
		}
		if msg.ID == nil || *msg.ID != subscribeRequest {
			continue
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("logsSubscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
		}
		var subID uint64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return 0, fmt.Errorf("decode subscription id: %w", err)
		}
		s.mu.Lock()
		s.subID = subID
		s.mu.Unlock()
		return subID, nil
	}
}

func (s *Subscriber) extendRead() {
	if s.readWait > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.readWait))
	}
}

// readRoutine is the only reader of the connection once the handshake is done.
func (s *Subscriber) readRoutine(ctx context.Context, out chan<- LogNotification) {
	defer close(out)
	for {
		// reset for every message, control frames extend it via the pong handler
		s.extendRead()
		var msg rpcMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("read logs notification: %w", err))
			}
			return
		}
		if msg.Method != "logsNotification" || msg.Params == nil {
			continue
		}
		n := LogNotification{
			Slot:      msg.Params.Result.Context.Slot,
			Signature: msg.Params.Result.Value.Signature,
			Err:       msg.Params.Result.Value.Err,
			Logs:      msg.Params.Result.Value.Logs,
		}
		select {
		case out <- n:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// fail records err as the reason the stream ended unless Close already ran.
func (s *Subscriber) fail(err error) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.err = err
	s.mu.Unlock()
	s.logger.Warn("logs subscription failed", zap.Error(err))
	s.Close()
}

func (s *Subscriber) pingRoutine() {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return s.conn.WriteJSON(v)
}

// Err returns the error that ended the stream, if any. It is nil while the
// stream is open and after a cancellation or Close.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and closes the socket. Safe to call more than once.
func (s *Subscriber) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		conn, subID := s.conn, s.subID
		s.mu.Unlock()
		if conn == nil {
			return
		}
		if subID != 0 {
			_ = s.write(rpcRequest{JSONRPC: "2.0", ID: unsubscribeID, Method: "logsUnsubscribe", Params: []interface{}{subID}})
		}
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(defaultWriteWait))
		s.writeMu.Unlock()
		err = conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
