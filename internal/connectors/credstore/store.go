package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no connection exists for the given ID.
var ErrNotFound = errors.New("connection not found")

// ErrVersionConflict is returned when a conditional write lost the race after
// exhausting retries.
var ErrVersionConflict = errors.New("connection version conflict")

const updateRetries = 5

// Connection is one stored vendor connection: the vendor kind plus its
// encoded config record and an optimistic-concurrency version.
type Connection struct {
	ID        string
	Vendor    string
	Config    json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Store persists connection records. Updates must be atomic relative to
// concurrent readers of the same connection so two refreshes cannot clobber
// each other's new token.
type Store interface {
	Get(ctx context.Context, id string) (Connection, error)
	List(ctx context.Context) ([]Connection, error)
	Put(ctx context.Context, conn Connection) error
	// UpdateConnection re-reads the record, applies mutate, and writes it
	// back conditionally on the version it read; lost races are retried with
	// a fresh read.
	UpdateConnection(ctx context.Context, id string, mutate func(raw []byte) ([]byte, error)) error
}

// MemoryStore is the in-process Store used by tests and single-binary setups.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]Connection)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[strings.TrimSpace(id)]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	conn.Config = append(json.RawMessage(nil), conn.Config...)
	return conn, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conn.Config = append(json.RawMessage(nil), conn.Config...)
		out = append(out, conn)
	}
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, conn Connection) error {
	conn.ID = strings.TrimSpace(conn.ID)
	conn.Vendor = strings.ToLower(strings.TrimSpace(conn.Vendor))
	if conn.ID == "" {
		return errors.New("connection ID is required")
	}
	if conn.Vendor == "" {
		return errors.New("connection vendor is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[conn.ID]; ok {
		conn.Version = existing.Version + 1
	} else if conn.Version == 0 {
		conn.Version = 1
	}
	conn.UpdatedAt = time.Now()
	conn.Config = append(json.RawMessage(nil), conn.Config...)
	s.conns[conn.ID] = conn
	return nil
}

func (s *MemoryStore) UpdateConnection(_ context.Context, id string, mutate func(raw []byte) ([]byte, error)) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated, err := mutate(append([]byte(nil), conn.Config...))
	if err != nil {
		return err
	}
	conn.Config = updated
	conn.Version++
	conn.UpdatedAt = time.Now()
	s.conns[id] = conn
	return nil
}
