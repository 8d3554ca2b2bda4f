package memory

import (
	"context"
	"sort"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/repository"
)

// transaction stages writes until commit. Reads inside it see committed data
// plus its own staged writes.
type transaction struct {
	store     *Store
	held      map[string]*userLock
	snapshots []domain.Snapshot
	audit     []domain.AuditEntry
}

func (t *transaction) Snapshots() repository.SnapshotStore    { return txSnapshots{tx: t} }
func (t *transaction) Sequencer() repository.VersionSequencer { return txSequencer{tx: t} }
func (t *transaction) Audit() repository.AuditLedger          { return txAudit{tx: t} }

func (t *transaction) lock(ctx context.Context, userID string) error {
	if _, ok := t.held[userID]; ok {
		return nil
	}
	lock, err := t.store.acquireLock(ctx, userID)
	if err != nil {
		return err
	}
	t.held[userID] = lock
	return nil
}

func (t *transaction) releaseLocks() {
	for userID, lock := range t.held {
		t.store.releaseLock(userID, lock)
		delete(t.held, userID)
	}
}

func (t *transaction) chain(userID string) []domain.Snapshot {
	chain := t.store.committedChain(userID)
	for _, snapshot := range t.snapshots {
		if snapshot.UserID == userID {
			chain = append(chain, snapshot.Clone())
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Version < chain[j].Version })
	return chain
}

type txSequencer struct {
	tx *transaction
}

// NextVersion takes the user's lock, held until the transaction ends, then
// returns one past the highest visible version.
func (s txSequencer) NextVersion(ctx context.Context, userID string) (int64, error) {
	if err := s.tx.lock(ctx, userID); err != nil {
		return 0, err
	}
	chain := s.tx.chain(userID)
	if len(chain) == 0 {
		return 1, nil
	}
	return chain[len(chain)-1].Version + 1, nil
}

type txSnapshots struct {
	tx *transaction
}

func (s txSnapshots) PutSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := findVersion(s.tx.chain(snapshot.UserID), snapshot.UserID, snapshot.Version); ok {
		return domain.DuplicateVersion(snapshot.UserID, snapshot.Version, nil)
	}
	stored := snapshot.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.tx.store.now()
	}
	s.tx.snapshots = append(s.tx.snapshots, stored)
	return nil
}

func (s txSnapshots) GetSnapshot(_ context.Context, userID string, version int64) (domain.Snapshot, error) {
	return getSnapshot(s.tx.chain(userID), userID, version)
}

func (s txSnapshots) GetLatest(_ context.Context, userID string) (domain.Snapshot, error) {
	return getLatest(s.tx.chain(userID), userID)
}

func (s txSnapshots) GetLatestMany(_ context.Context, userIDs []string) (map[string]domain.Snapshot, error) {
	return latestMany(userIDs, s.tx.chain), nil
}

func (s txSnapshots) ListVersions(_ context.Context, userID string) ([]domain.Snapshot, error) {
	return s.tx.chain(userID), nil
}

type txAudit struct {
	tx *transaction
}

func (a txAudit) Record(ctx context.Context, entry domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, staged := range a.tx.audit {
		if staged.UserID == entry.UserID && staged.Version == entry.Version {
			return domain.DuplicateVersion(entry.UserID, entry.Version, nil)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.tx.store.now()
	}
	a.tx.audit = append(a.tx.audit, entry)
	return nil
}

func (a txAudit) History(ctx context.Context, userID string) ([]domain.AuditEntry, error) {
	entries, _ := committedAudit{store: a.tx.store}.History(ctx, userID)
	for _, entry := range a.tx.audit {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries, nil
}

// committedSnapshots serves reads outside any transaction.
type committedSnapshots struct {
	store *Store
}

func (c committedSnapshots) PutSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	return c.store.WithinTx(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Snapshots().PutSnapshot(ctx, snapshot)
	})
}

func (c committedSnapshots) GetSnapshot(_ context.Context, userID string, version int64) (domain.Snapshot, error) {
	return getSnapshot(c.store.committedChain(userID), userID, version)
}

func (c committedSnapshots) GetLatest(_ context.Context, userID string) (domain.Snapshot, error) {
	return getLatest(c.store.committedChain(userID), userID)
}

func (c committedSnapshots) GetLatestMany(_ context.Context, userIDs []string) (map[string]domain.Snapshot, error) {
	return latestMany(userIDs, c.store.committedChain), nil
}

func (c committedSnapshots) ListVersions(_ context.Context, userID string) ([]domain.Snapshot, error) {
	return c.store.committedChain(userID), nil
}

type committedAudit struct {
	store *Store
}

func (c committedAudit) Record(ctx context.Context, entry domain.AuditEntry) error {
	return c.store.WithinTx(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Audit().Record(ctx, entry)
	})
}

func (c committedAudit) History(_ context.Context, userID string) ([]domain.AuditEntry, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	entries := c.store.audit[userID]
	out := make([]domain.AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func getSnapshot(chain []domain.Snapshot, userID string, version int64) (domain.Snapshot, error) {
	snapshot, ok := findVersion(chain, userID, version)
	if !ok {
		return domain.Snapshot{}, domain.NotFoundf("user %s has no version %d", userID, version)
	}
	return snapshot, nil
}

func getLatest(chain []domain.Snapshot, userID string) (domain.Snapshot, error) {
	if len(chain) == 0 {
		return domain.Snapshot{}, domain.NotFoundf("user %s has no snapshots", userID)
	}
	return chain[len(chain)-1], nil
}

func latestMany(userIDs []string, chainFor func(string) []domain.Snapshot) map[string]domain.Snapshot {
	result := make(map[string]domain.Snapshot, len(userIDs))
	for _, userID := range userIDs {
		chain := chainFor(userID)
		if len(chain) > 0 {
			result[userID] = chain[len(chain)-1]
		}
	}
	return result
}
