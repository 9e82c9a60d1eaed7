package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nugget/gizmo/internal/conversation"
)

// Key layout. Histories and metadata live under separate prefixes so
// either can be scanned without decoding the other.
const (
	chatPrefix = "gizmo:chat:"
	metaPrefix = "gizmo:meta:"
)

func chatKey(id string) []byte { return []byte(chatPrefix + id) }
func metaKey(id string) []byte { return []byte(metaPrefix + id) }

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	Logger *slog.Logger
}

// BadgerStore persists conversations in an embedded Badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	closedMu sync.RWMutex
	closed   bool
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(opt BadgerOptions) (*BadgerStore, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(opt.Dir).
		WithSyncWrites(opt.SyncWrites).
		WithLogger(badgerLogger{logger: logger.With("component", "badger")})
	if opt.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	} else {
		opts = opts.WithCompression(options.ZSTD)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger.Info("conversation store opened", "dir", opt.Dir, "in_memory", opt.InMemory)
	return &BadgerStore{db: db, logger: logger, now: time.Now}, nil
}

// LoadHistory implements Store.
func (s *BadgerStore) LoadHistory(_ context.Context, id string) (conversation.History, error) {
	data, err := s.get(chatKey(id))
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	return decodeHistory(data)
}

// SaveHistory implements Store.
func (s *BadgerStore) SaveHistory(_ context.Context, id string, h conversation.History) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.set(chatKey(id), data); err != nil {
		return fmt.Errorf("save history %s: %w", id, err)
	}
	return nil
}

// SaveMetadata implements Store.
func (s *BadgerStore) SaveMetadata(_ context.Context, id string, created time.Time, lastMessage string) error {
	data, err := json.Marshal(newMetadata(id, created, lastMessage, s.now()))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.set(metaKey(id), data); err != nil {
		return fmt.Errorf("save metadata %s: %w", id, err)
	}
	return nil
}

// GetMetadata implements Store.
func (s *BadgerStore) GetMetadata(_ context.Context, id string) (*conversation.Metadata, error) {
	data, err := s.get(metaKey(id))
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}
	var m conversation.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &m, nil
}

// Ping implements Store.
func (s *BadgerStore) Ping(context.Context) error {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed || s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close implements Store. Closing twice is a no-op.
func (s *BadgerStore) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// get returns nil, nil for a missing key.
func (s *BadgerStore) get(key []byte) ([]byte, error) {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

func (s *BadgerStore) set(key, value []byte) error {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// badgerLogger routes Badger's printf-style logging into slog. Badger
// is chatty at info level, so info is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
