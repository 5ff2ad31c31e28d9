package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"fareindexer/internal/storage"
)

// DeadLetter is a job that exhausted its attempts or failed permanently,
// kept with enough context to be replayed by hand.
type DeadLetter struct {
	ID       string          `json:"id"`
	Class    Class           `json:"class"`
	Key      string          `json:"key"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// NewDeadLetter records job with reason.
func NewDeadLetter(job Job, reason string) DeadLetter {
	return DeadLetter{
		ID:       uuid.NewString(),
		Class:    job.Class,
		Key:      job.Key,
		Attempts: job.Attempt,
		Reason:   reason,
		Payload:  job.Payload,
		At:       time.Now().UTC(),
	}
}

// Job rebuilds a fresh job for replay. The key is suffixed so the queue's
// duplicate detection does not drop it.
func (d DeadLetter) Job() Job {
	return Job{Class: d.Class, Key: d.Key + "#replay-" + d.ID, Payload: d.Payload}
}

// DeadLetterSink persists dead letters.
type DeadLetterSink interface {
	Put(d DeadLetter) error
}

// JSONLDeadLetters appends dead letters to a JSONL file.
type JSONLDeadLetters struct {
	path string
	mu   sync.Mutex
}

func NewJSONLDeadLetters(path string) *JSONLDeadLetters {
	return &JSONLDeadLetters{path: path}
}

// Put appends one record.
func (s *JSONLDeadLetters) Put(d DeadLetter) error {
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dead letter dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dead letter file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.Write(line); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return writer.Flush()
}

// ReadDeadLetters loads every record from a JSONL dead letter file.
func ReadDeadLetters(path string) ([]DeadLetter, error) {
	var out []DeadLetter
	err := storage.ScanJSONL(path, func(lineNo int, line []byte) error {
		var d DeadLetter
		if err := json.Unmarshal(line, &d); err != nil {
			return fmt.Errorf("parse dead letter line %d: %w", lineNo, err)
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryDeadLetters keeps dead letters in memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// Put records d.
func (m *MemoryDeadLetters) Put(d DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, d)
	return nil
}

// All returns a copy of the recorded letters.
func (m *MemoryDeadLetters) All() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.letters...)
}
