// Package memory persists per-user conversation sessions in a single JSON file.
//
// Every operation runs its read-modify-write cycle under one process-wide
// mutex; the file has no row-level concurrency, so the lock is what prevents
// lost updates between concurrent requests.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/metrics"
	"github.com/9121343/sxudo/internal/model/chat"
)

// DefaultMaxHistory is the number of turns kept per user.
const DefaultMaxHistory = 5

// ErrStoreUnavailable is returned by writes when the memory file can be
// neither read nor safely repaired.
var ErrStoreUnavailable = errors.New("memory file unavailable")

const filePerm = 0o644

// Store is the file-backed session store.
type Store struct {
	mu         sync.Mutex
	path       string
	maxHistory int
	now        func() time.Time
	metrics    *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistory overrides the per-user history bound.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithMetrics records repairs and write failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock sets the clock used to name backup files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a store backed by path. The file is created lazily on first save.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// MaxHistory returns the per-user history bound.
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Load returns the stored session for username, or a fresh one. It never fails:
// a missing or corrupt file reads as "no prior memory".
func (s *Store) Load(username string) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, _ := s.readLocked()
	session, ok := all[username]
	if !ok {
		return chat.NewSession(username)
	}
	session.Trim(s.maxHistory)
	return session.Clone()
}

// Save merges session into the store under username, keeping only the most
// recent turns, and rewrites the whole file.
func (s *Store) Save(username string, session chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readLocked()
	if err != nil {
		return err
	}
	session = session.Clone()
	session.Username = username
	session.Trim(s.maxHistory)
	all[username] = session
	return s.writeLocked(all)
}

// Clear resets the session of username to its initial state and persists it.
func (s *Store) Clear(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readLocked()
	if err != nil {
		return err
	}
	all[username] = chat.NewSession(username)
	return s.writeLocked(all)
}

// Append adds turn to the latest persisted history of username in one locked
// cycle and returns the saved session.
func (s *Store) Append(username string, turn chat.Turn) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readLocked()
	if err != nil {
		return chat.Session{}, err
	}
	session, ok := all[username]
	if !ok {
		session = chat.NewSession(username)
	}
	session = session.Clone()
	session.Username = username
	session.History = append(session.History, turn)
	session.FirstInteraction = false
	session.Trim(s.maxHistory)
	all[username] = session

	if err := s.writeLocked(all); err != nil {
		return chat.Session{}, err
	}
	return session.Clone(), nil
}

// Users lists the usernames present in the store.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, _ := s.readLocked()
	users := make([]string, 0, len(all))
	for name := range all {
		users = append(users, name)
	}
	return users
}

// readLocked loads the full store, repairing the file when its shape is wrong.
// The returned store is always usable for reads; a non-nil error means the
// file could not be backed up and must not be overwritten. Callers must hold s.mu.
func (s *Store) readLocked() (chat.Store, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return chat.Store{}, nil
		}
		log.Warn().Err(err).Str("path", s.path).Msg("memory file unreadable, starting from empty memory")
		return chat.Store{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result := decodeStore(data)
	if result.repaired() {
		if _, err := s.repairLocked(data, result); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("memory file repair failed")
			return result.store, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return result.store, nil
}

func (s *Store) writeLocked(all chat.Store) error {
	data, err := encodeStore(all)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, filePerm); err != nil {
		s.metrics.RecordStoreWriteError()
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func encodeStore(all chat.Store) ([]byte, error) {
	if all == nil {
		all = chat.Store{}
	}
	data, err := json.MarshalIndent(all, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode memory: %w", err)
	}
	return append(data, '\n'), nil
}
