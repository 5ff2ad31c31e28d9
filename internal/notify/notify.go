// Package notify publishes small JSON change notifications for the fan-out
// layer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the notification channel consumed by the fan-out layer.
const DefaultSubject = "casino.events"

// Notification types.
const (
	TypePoolRegistered  = "pool.registered"
	TypeTrialRegistered = "trial.registered"
	TypeTrialResolved   = "trial.resolved"
	TypeTrialSettled    = "trial.settled"
)

// Event is the wire shape of one notification.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher sends notifications. Publishing is best effort and never fails
// the caller.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{})
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) {}

// NATS publishes notifications on a core NATS subject.
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
	owned   bool
}

// NewNATS publishes on an existing connection, which the caller keeps
// ownership of.
func NewNATS(nc *nats.Conn, subject string, logger *zap.Logger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, subject: subject, logger: logger}
}

// ConnectNATS dials url and publishes on its own connection.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("fareindexer-notify"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	p := NewNATS(nc, subject, logger)
	p.owned = true
	return p, nil
}

func (p *NATS) Publish(_ context.Context, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		p.logger.Warn("marshal notification failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		p.logger.Warn("publish notification failed", zap.String("type", eventType), zap.Error(err))
	}
}

// Close flushes pending notifications and closes an owned connection.
func (p *NATS) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}

// Memory records notifications for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, eventType string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
}

// Types returns the recorded notification types in publish order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}
