package repository

import (
	"context"

	"github.com/rpattn/profilesvc/internal/domain"
)

// SnapshotStore persists immutable profile snapshots keyed by (user_id, version).
type SnapshotStore interface {
	// PutSnapshot writes a new snapshot. Writing an existing (user_id, version)
	// fails with domain.ErrDuplicateVersion.
	PutSnapshot(ctx context.Context, snapshot domain.Snapshot) error
	GetSnapshot(ctx context.Context, userID string, version int64) (domain.Snapshot, error)
	// GetLatest returns the highest version regardless of operation.
	GetLatest(ctx context.Context, userID string) (domain.Snapshot, error)
	// GetLatestMany returns the highest version for every id that has one.
	GetLatestMany(ctx context.Context, userIDs []string) (map[string]domain.Snapshot, error)
	// ListVersions returns every snapshot ascending by version.
	ListVersions(ctx context.Context, userID string) ([]domain.Snapshot, error)
}

// VersionSequencer reserves the next version for a user inside a unit of work.
// The reservation holds the user's write lock until the unit of work ends.
type VersionSequencer interface {
	NextVersion(ctx context.Context, userID string) (int64, error)
}

// AuditLedger is the append-only record of who performed each mutation.
type AuditLedger interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
	// History recomputes the ledger from storage on every call, ascending by version.
	History(ctx context.Context, userID string) ([]domain.AuditEntry, error)
}

// UnitOfWork binds the stores to one atomic transaction.
type UnitOfWork interface {
	Snapshots() SnapshotStore
	Sequencer() VersionSequencer
	Audit() AuditLedger
}

// Store is the durable backend shared by every request handler.
type Store interface {
	// WithinTx runs fn in one transaction. The transaction commits only when
	// fn returns nil; any error or panic rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
	// Snapshots and Audit serve committed reads outside any transaction.
	Snapshots() SnapshotStore
	Audit() AuditLedger
	Ping(ctx context.Context) error
}
