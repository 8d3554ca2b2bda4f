package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/repository"
	"github.com/rpattn/profilesvc/internal/repository/memory"
)

var tester = Actor{ID: "tester", RequestID: "req-1"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, store repository.Store, opts ...CoordinatorOption) (*Coordinator, *Projector) {
	t.Helper()
	opts = append([]CoordinatorOption{WithLogger(quietLogger())}, opts...)
	return NewCoordinator(store, opts...), NewProjector(store)
}

func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	created, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, domain.OperationCreate, created.Operation)

	updated, err := coordinator.Update(ctx, tester, "u1", map[string]any{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, domain.OperationUpdate, updated.Operation)
	assert.Equal(t, map[string]any{"name": "B"}, updated.Fields)

	deleted, err := coordinator.Delete(ctx, tester, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted.Version)
	assert.Equal(t, domain.OperationDelete, deleted.Operation)

	restored, err := coordinator.Restore(ctx, tester, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), restored.Version)
	assert.Equal(t, domain.OperationRestore, restored.Operation)
	assert.Equal(t, map[string]any{"name": "A"}, restored.Fields)
	require.NotNil(t, restored.RestoredFromVersion)
	assert.Equal(t, int64(1), *restored.RestoredFromVersion)

	current, err := projector.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "A"}, current.Fields)
	assert.Equal(t, int64(4), current.CurrentVersion)
	assert.False(t, current.IsDeleted)

	history, err := projector.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	wantOps := []domain.Operation{domain.OperationCreate, domain.OperationUpdate, domain.OperationDelete, domain.OperationRestore}
	for i, entry := range history {
		assert.Equal(t, int64(i+1), entry.Version)
		assert.Equal(t, wantOps[i], entry.Operation)
		assert.Equal(t, "tester", entry.Actor)
		assert.Equal(t, "req-1", entry.RequestID)
	}
}

func TestResurrectionContinuesSequence(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	first, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)
	tombstone, err := coordinator.Delete(ctx, tester, "u1")
	require.NoError(t, err)
	again, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "C"})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{first.Version, tombstone.Version, again.Version})
	assert.Equal(t, domain.OperationCreate, again.Operation)

	current, err := projector.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "C", current.Fields["name"])
}

func TestCreateRejectsLiveProfile(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)

	_, err = coordinator.Create(ctx, tester, "u1", map[string]any{"name": "B"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	versions, err := projector.Versions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestUpdateStoresMergedFullState(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A", "email": "a@example.com", "tier": "gold"})
	require.NoError(t, err)

	updated, err := coordinator.Update(ctx, tester, "u1", map[string]any{"email": "b@example.com", "tier": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "A", "email": "b@example.com"}, updated.Fields)

	stored, err := projector.StateAt(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, updated.Fields, stored.Fields)

	original, err := projector.StateAt(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, "gold", original.Fields["tier"], "earlier versions are never rewritten")
}

func TestCreateDropsNullFields(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	created, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A", "nickname": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "A"}, created.Fields)

	stored, err := projector.StateAt(ctx, "u1", 1)
	require.NoError(t, err)
	assert.NotContains(t, stored.Fields, "nickname")
}

func TestRestoreCarriesExactNumbers(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"accountNumber": int64(9007199254740993), "score": 0.1})
	require.NoError(t, err)
	_, err = coordinator.Update(ctx, tester, "u1", map[string]any{"accountNumber": 1})
	require.NoError(t, err)

	restored, err := coordinator.Restore(ctx, tester, "u1", 1)
	require.NoError(t, err)
	original, err := projector.StateAt(ctx, "u1", 1)
	require.NoError(t, err)

	assert.Equal(t, json.Number("9007199254740993"), original.Fields["accountNumber"])
	assert.Equal(t, json.Number("0.1"), original.Fields["score"])
	assert.Equal(t, original.Fields, restored.Fields)
}

func TestMutationsRequireLiveProfile(t *testing.T) {
	ctx := context.Background()
	coordinator, _ := newEngine(t, memory.New())

	_, err := coordinator.Update(ctx, tester, "ghost", map[string]any{"name": "A"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = coordinator.Delete(ctx, tester, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = coordinator.Create(ctx, tester, "u1", nil)
	require.NoError(t, err)
	_, err = coordinator.Delete(ctx, tester, "u1")
	require.NoError(t, err)

	_, err = coordinator.Update(ctx, tester, "u1", map[string]any{"name": "A"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = coordinator.Delete(ctx, tester, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreRules(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Restore(ctx, tester, "u1", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)
	_, err = coordinator.Update(ctx, tester, "u1", map[string]any{"name": "B"})
	require.NoError(t, err)

	_, err = coordinator.Restore(ctx, tester, "u1", 2)
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)

	_, err = coordinator.Restore(ctx, tester, "u1", 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	restored, err := coordinator.Restore(ctx, tester, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), restored.Version)
	source, err := projector.StateAt(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, source.Fields, restored.Fields)

	versions, err := projector.Versions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "B", versions[1].Fields["name"], "restore keeps the intervening state")
}

func TestRestoreOfTombstoneRevivesLastFields(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)
	_, err = coordinator.Delete(ctx, tester, "u1")
	require.NoError(t, err)
	_, err = coordinator.Create(ctx, tester, "u1", map[string]any{"name": "Z"})
	require.NoError(t, err)

	restored, err := coordinator.Restore(ctx, tester, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), restored.Version)
	assert.Equal(t, domain.OperationRestore, restored.Operation)

	current, err := projector.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", current.Fields["name"])
}

func TestDeletedProfileKeepsHistory(t *testing.T) {
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A", "email": "a@example.com"})
	require.NoError(t, err)
	tombstone, err := coordinator.Delete(ctx, tester, "u1")
	require.NoError(t, err)

	_, err = projector.Current(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snapshot, err := projector.StateAt(ctx, "u1", tombstone.Version)
	require.NoError(t, err)
	assert.True(t, snapshot.IsTombstone())
	assert.Equal(t, map[string]any{"name": "A", "email": "a@example.com"}, snapshot.Fields)

	history, err := projector.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentUpdatesGetSequentialVersions(t *testing.T) {
	const writers = 32
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"count": 0})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		versions = map[int64]int{}
	)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		group.Go(func() error {
			snapshot, err := coordinator.Update(gctx, Actor{ID: fmt.Sprintf("writer-%d", i)}, "u1", map[string]any{"last": i})
			if err != nil {
				return err
			}
			mu.Lock()
			versions[snapshot.Version]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Len(t, versions, writers, "no two writers received the same version")
	for v := int64(2); v <= writers+1; v++ {
		assert.Equal(t, 1, versions[v], "version %d", v)
	}

	stored, err := projector.Versions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, writers+1)
	for i, snapshot := range stored {
		assert.Equal(t, int64(i+1), snapshot.Version)
	}
	history, err := projector.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, writers+1)
}

func TestConcurrentCreatesHaveOneWinner(t *testing.T) {
	const writers = 16
	ctx := context.Background()
	coordinator, projector := newEngine(t, memory.New())

	var created, rejected atomic.Int32
	var group errgroup.Group
	for i := 0; i < writers; i++ {
		group.Go(func() error {
			_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"writer": i})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrAlreadyExists):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(writers-1), rejected.Load())
	versions, err := projector.Versions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memory.New()}
	coordinator, projector := newEngine(t, store)

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.NoError(t, err)

	store.conflicts.Store(1)
	updated, err := coordinator.Update(ctx, tester, "u1", map[string]any{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	store.conflicts.Store(2)
	_, err = coordinator.Update(ctx, tester, "u1", map[string]any{"name": "C"})
	require.ErrorIs(t, err, domain.ErrConflict)

	versions, err := projector.Versions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, versions, 2, "a failed mutation leaves no snapshot")
	history, err := projector.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConflictRetriesCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memory.New()}
	coordinator, _ := newEngine(t, store, WithConflictRetries(0))

	store.conflicts.Store(1)
	_, err := coordinator.Create(ctx, tester, "u1", nil)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestStorageUnavailableIsNotRetried(t *testing.T) {
	store := &unavailableStore{Store: memory.New()}
	coordinator, _ := newEngine(t, store)

	_, err := coordinator.Create(context.Background(), tester, "u1", nil)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestCanceledMutationHasNoEffect(t *testing.T) {
	coordinator, projector := newEngine(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coordinator.Create(ctx, tester, "u1", map[string]any{"name": "A"})
	require.ErrorIs(t, err, context.Canceled)

	_, err = projector.Versions(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidInputIsRejected(t *testing.T) {
	ctx := context.Background()
	coordinator, _ := newEngine(t, memory.New())

	_, err := coordinator.Create(ctx, tester, " ", nil)
	assert.ErrorIs(t, err, domain.ErrInvalid)
	_, err = coordinator.Create(ctx, tester, "u1", map[string]any{"": "x"})
	assert.ErrorIs(t, err, domain.ErrInvalid)
	_, err = coordinator.Create(ctx, tester, "u1", map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "committed", outcomeLabel(nil))
	assert.Equal(t, "canceled", outcomeLabel(context.Canceled))
	assert.Equal(t, "not_found", outcomeLabel(domain.NotFoundf("x")))
	assert.Equal(t, "conflict", outcomeLabel(fmt.Errorf("wrapped: %w", domain.Conflict(nil, "race"))))
	assert.Equal(t, "error", outcomeLabel(errors.New("boom")))
}

// conflictingStore fails the snapshot write of the next n units of work with a
// duplicate version, as if another writer had won the race.
type conflictingStore struct {
	repository.Store
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	s.calls.Add(1)
	return s.Store.WithinTx(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		if s.conflicts.Load() > 0 {
			s.conflicts.Add(-1)
			uow = racingUnitOfWork{UnitOfWork: uow}
		}
		return fn(ctx, uow)
	})
}

type racingUnitOfWork struct {
	repository.UnitOfWork
}

func (u racingUnitOfWork) Snapshots() repository.SnapshotStore {
	return racingSnapshots{SnapshotStore: u.UnitOfWork.Snapshots()}
}

type racingSnapshots struct {
	repository.SnapshotStore
}

func (s racingSnapshots) PutSnapshot(_ context.Context, snapshot domain.Snapshot) error {
	return domain.DuplicateVersion(snapshot.UserID, snapshot.Version, nil)
}

type unavailableStore struct {
	repository.Store
	calls atomic.Int32
}

func (s *unavailableStore) WithinTx(context.Context, func(context.Context, repository.UnitOfWork) error) error {
	s.calls.Add(1)
	return domain.StorageUnavailable(errors.New("connection refused"), "failed to begin transaction")
}
