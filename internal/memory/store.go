// Package memory persists conversation histories and their metadata.
//
// A Store is an opaque key-value layer keyed by conversation id. The
// orchestrator owns a working copy of the history during a turn and
// replaces the stored copy in one write once the turn has succeeded.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gizmo/internal/config"
	"github.com/nugget/gizmo/internal/conversation"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory: store is closed")

// Store is the persistence interface used by the agent loop.
type Store interface {
	// LoadHistory returns the stored history, or an empty history when
	// the conversation does not exist.
	LoadHistory(ctx context.Context, id string) (conversation.History, error)

	// SaveHistory replaces the stored history in one write.
	SaveHistory(ctx context.Context, id string, h conversation.History) error

	// SaveMetadata records the creation time and last message and sets
	// the updated time to now.
	SaveMetadata(ctx context.Context, id string, created time.Time, lastMessage string) error

	// GetMetadata returns nil, nil when the conversation does not exist.
	GetMetadata(ctx context.Context, id string) (*conversation.Metadata, error)

	// Ping checks that the backend is usable.
	Ping(ctx context.Context) error

	Close() error
}

// Open creates the store selected by cfg.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", cfg.Store.Backend)

	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Info("using in-memory conversation store, histories are lost on exit")
		return NewMemStore(), nil
	case config.BackendSQLite:
		return NewSQLiteStore(context.Background(), cfg.StorePath(), logger)
	case config.BackendBadger, "":
		return NewBadgerStore(BadgerOptions{Dir: cfg.StorePath(), Logger: logger})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// MemStore keeps histories in process memory. Values are stored
// encoded so callers never share slices with the store.
type MemStore struct {
	mu       sync.RWMutex
	closed   bool
	history  map[string][]byte
	metadata map[string]conversation.Metadata
	now      func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		history:  make(map[string][]byte),
		metadata: make(map[string]conversation.Metadata),
		now:      time.Now,
	}
}

// LoadHistory implements Store.
func (s *MemStore) LoadHistory(_ context.Context, id string) (conversation.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return decodeHistory(s.history[id])
}

// SaveHistory implements Store.
func (s *MemStore) SaveHistory(_ context.Context, id string, h conversation.History) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.history[id] = data
	return nil
}

// SaveMetadata implements Store.
func (s *MemStore) SaveMetadata(_ context.Context, id string, created time.Time, lastMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.metadata[id] = newMetadata(id, created, lastMessage, s.now())
	return nil
}

// GetMetadata implements Store.
func (s *MemStore) GetMetadata(_ context.Context, id string) (*conversation.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.metadata[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Ping implements Store.
func (s *MemStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newMetadata(id string, created time.Time, lastMessage string, now time.Time) conversation.Metadata {
	if created.IsZero() {
		created = now
	}
	return conversation.Metadata{
		ID:          id,
		Created:     created.UTC(),
		Updated:     now.UTC(),
		LastMessage: lastMessage,
	}
}

func decodeHistory(data []byte) (conversation.History, error) {
	if len(data) == 0 {
		return conversation.History{}, nil
	}
	var h conversation.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if h == nil {
		h = conversation.History{}
	}
	return h, nil
}
