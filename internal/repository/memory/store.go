// Package memory is an in-process implementation of repository.Store with the
// same transactional guarantees as the Postgres store: per-user write locks
// held for the life of a unit of work, write-once snapshots, and all-or-nothing
// commits. It backs the engine in tests and in single-instance development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/repository"
)

// Store keeps snapshot chains and audit entries in memory.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string][]domain.Snapshot
	audit     map[string][]domain.AuditEntry

	locksMu   sync.Mutex
	userLocks map[string]*userLock

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for snapshots written without one.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		snapshots: make(map[string][]domain.Snapshot),
		audit:     make(map[string][]domain.AuditEntry),
		userLocks: make(map[string]*userLock),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

// WithinTx runs fn against a staged unit of work and applies it atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &transaction{store: s, held: map[string]*userLock{}}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) Snapshots() repository.SnapshotStore {
	return committedSnapshots{store: s}
}

func (s *Store) Audit() repository.AuditLedger {
	return committedAudit{store: s}
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// userLock is a per-user write lock. refs counts holders and waiters; the
// entry is dropped from Store.userLocks when it reaches zero.
type userLock struct {
	sem  chan struct{}
	refs int
}

func (s *Store) acquireLock(ctx context.Context, userID string) (*userLock, error) {
	s.locksMu.Lock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &userLock{sem: make(chan struct{}, 1)}
		s.userLocks[userID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return lock, nil
	case <-ctx.Done():
		s.dropRef(userID, lock)
		return nil, ctx.Err()
	}
}

func (s *Store) releaseLock(userID string, lock *userLock) {
	<-lock.sem
	s.dropRef(userID, lock)
}

func (s *Store) dropRef(userID string, lock *userLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.userLocks, userID)
	}
}

func (s *Store) commit(tx *transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snapshot := range tx.snapshots {
		if _, ok := findVersion(s.snapshots[snapshot.UserID], snapshot.UserID, snapshot.Version); ok {
			return domain.DuplicateVersion(snapshot.UserID, snapshot.Version, nil)
		}
	}
	for _, entry := range tx.audit {
		if _, ok := findAudit(s.audit[entry.UserID], entry.Version); ok {
			return domain.DuplicateVersion(entry.UserID, entry.Version, nil)
		}
		_, committed := findVersion(s.snapshots[entry.UserID], entry.UserID, entry.Version)
		_, staged := findVersion(tx.snapshots, entry.UserID, entry.Version)
		if !committed && !staged {
			return fmt.Errorf("audit entry %s@%d references a missing snapshot", entry.UserID, entry.Version)
		}
	}

	for _, snapshot := range tx.snapshots {
		chain := append(s.snapshots[snapshot.UserID], snapshot)
		sort.Slice(chain, func(i, j int) bool { return chain[i].Version < chain[j].Version })
		s.snapshots[snapshot.UserID] = chain
	}
	for _, entry := range tx.audit {
		entries := append(s.audit[entry.UserID], entry)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
		s.audit[entry.UserID] = entries
	}
	return nil
}

func (s *Store) committedChain(userID string) []domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.snapshots[userID]
	out := make([]domain.Snapshot, len(chain))
	for i, snapshot := range chain {
		out[i] = snapshot.Clone()
	}
	return out
}

func findVersion(chain []domain.Snapshot, userID string, version int64) (domain.Snapshot, bool) {
	for _, snapshot := range chain {
		if snapshot.UserID == userID && snapshot.Version == version {
			return snapshot, true
		}
	}
	return domain.Snapshot{}, false
}

func findAudit(entries []domain.AuditEntry, version int64) (domain.AuditEntry, bool) {
	for _, entry := range entries {
		if entry.Version == version {
			return entry, true
		}
	}
	return domain.AuditEntry{}, false
}
