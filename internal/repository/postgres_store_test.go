package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/profilesvc/internal/db"
	"github.com/rpattn/profilesvc/internal/domain"
)

// testDatabaseURLEnv points the integration tests at a disposable database.
const testDatabaseURLEnv = "PROFILES_TEST_DATABASE_URL"

func newPostgresStore(t *testing.T) Store {
	t.Helper()
	url := os.Getenv(testDatabaseURLEnv)
	if url == "" {
		t.Skipf("%s not set; skipping postgres integration test", testDatabaseURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := db.RunMigrations(pool, db.Up, logger); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewPostgresStore(db.NewConnectionFromPool(pool, logger), pgx.ReadCommitted)
}

func newUserID() string {
	return "it-" + uuid.NewString()
}

func appendVersion(ctx context.Context, store Store, userID string, op domain.Operation, fields map[string]any) (int64, error) {
	var version int64
	err := store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		next, err := uow.Sequencer().NextVersion(ctx, userID)
		if err != nil {
			return err
		}
		if err := uow.Snapshots().PutSnapshot(ctx, domain.Snapshot{UserID: userID, Version: next, Operation: op, Fields: fields}); err != nil {
			return err
		}
		if err := uow.Audit().Record(ctx, domain.AuditEntry{UserID: userID, Version: next, Operation: op, Actor: "integration", RequestID: "req-1"}); err != nil {
			return err
		}
		version = next
		return nil
	})
	return version, err
}

func TestPostgresSequencerIsGapless(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := newUserID()

	ops := []domain.Operation{domain.OperationCreate, domain.OperationUpdate, domain.OperationDelete}
	for i, op := range ops {
		version, err := appendVersion(ctx, store, userID, op, map[string]any{"step": i})
		if err != nil {
			t.Fatalf("append %s: %v", op, err)
		}
		if version != int64(i+1) {
			t.Fatalf("expected version %d, got %d", i+1, version)
		}
	}

	versions, err := store.Snapshots().ListVersions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, snapshot := range versions {
		assert.Equal(t, int64(i+1), snapshot.Version)
		assert.Equal(t, ops[i], snapshot.Operation)
		assert.EqualValues(t, i, snapshot.Fields["step"])
		assert.False(t, snapshot.CreatedAt.IsZero())
	}

	latest, err := store.Snapshots().GetLatest(ctx, userID)
	require.NoError(t, err)
	assert.True(t, latest.IsTombstone())

	history, err := store.Audit().History(ctx, userID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, entry := range history {
		assert.Equal(t, int64(i+1), entry.Version)
		assert.Equal(t, "integration", entry.Actor)
		assert.Equal(t, "req-1", entry.RequestID)
	}
}

func TestPostgresRejectsVersionRewrite(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := appendVersion(ctx, store, userID, domain.OperationCreate, map[string]any{"name": "A"})
	require.NoError(t, err)

	err = store.Snapshots().PutSnapshot(ctx, domain.Snapshot{
		UserID: userID, Version: 1, Operation: domain.OperationUpdate, Fields: map[string]any{"name": "B"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicateVersion))
	assert.True(t, domain.IsRetryable(err))

	stored, err := store.Snapshots().GetSnapshot(ctx, userID, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Fields["name"])
}

func TestPostgresHistoryIsAppendOnly(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := newUserID()

	_, err := appendVersion(ctx, store, userID, domain.OperationCreate, nil)
	require.NoError(t, err)

	pg := store.(*postgresStore)
	_, err = pg.conn.Pool.Exec(ctx, `UPDATE profile_snapshots SET operation = 'UPDATE' WHERE user_id = $1`, userID)
	assert.Error(t, err)
	_, err = pg.conn.Pool.Exec(ctx, `DELETE FROM profile_audit_log WHERE user_id = $1`, userID)
	assert.Error(t, err)
}

func TestPostgresRollbackLeavesNoTrace(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := newUserID()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		next, err := uow.Sequencer().NextVersion(ctx, userID)
		if err != nil {
			return err
		}
		if err := uow.Snapshots().PutSnapshot(ctx, domain.Snapshot{UserID: userID, Version: next, Operation: domain.OperationCreate}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Snapshots().GetLatest(ctx, userID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	version, err := appendVersion(ctx, store, userID, domain.OperationCreate, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "aborted reservation is reused")
}

func TestPostgresConcurrentWritersGetDistinctVersions(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := newUserID()

	const writers = 12
	versions := make([]int64, writers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			version, err := appendVersion(gctx, store, userID, domain.OperationUpdate, map[string]any{"writer": i})
			versions[i] = version
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]bool, writers)
	for _, v := range versions {
		assert.False(t, seen[v], "version %d reserved twice", v)
		seen[v] = true
	}
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}

func TestPostgresGetLatestMany(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	first, second := newUserID(), newUserID()

	_, err := appendVersion(ctx, store, first, domain.OperationCreate, nil)
	require.NoError(t, err)
	_, err = appendVersion(ctx, store, first, domain.OperationDelete, nil)
	require.NoError(t, err)
	_, err = appendVersion(ctx, store, second, domain.OperationCreate, map[string]any{"name": "B"})
	require.NoError(t, err)

	latest, err := store.Snapshots().GetLatestMany(ctx, []string{first, second, newUserID()})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(2), latest[first].Version)
	assert.True(t, latest[first].IsTombstone())
	assert.Equal(t, "B", latest[second].Fields["name"])
}

func TestPostgresPing(t *testing.T) {
	store := newPostgresStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
