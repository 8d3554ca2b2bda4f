package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// versionSequencer reserves versions inside a pgx transaction.
//
// The upsert on profile_version_locks takes the user's row lock and keeps it
// until the transaction ends, so a second writer for the same user blocks
// here (read committed) or fails with a serialization error (repeatable read).
// The max(version) read happens after the lock is held, so it observes every
// committed snapshot for the user.
type versionSequencer struct {
	tx pgx.Tx
}

func newVersionSequencer(tx pgx.Tx) VersionSequencer {
	return &versionSequencer{tx: tx}
}

func (s *versionSequencer) NextVersion(ctx context.Context, userID string) (int64, error) {
	if _, err := s.tx.Exec(
		ctx,
		`INSERT INTO profile_version_locks (user_id, reserved_at)
		 VALUES ($1, now())
		 ON CONFLICT (user_id) DO UPDATE SET reserved_at = EXCLUDED.reserved_at`,
		userID,
	); err != nil {
		return 0, classifyError(fmt.Errorf("failed to lock user %s for versioning: %w", userID, err), "reserve version")
	}

	var next int64
	if err := s.tx.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM profile_snapshots WHERE user_id = $1`,
		userID,
	).Scan(&next); err != nil {
		return 0, classifyError(fmt.Errorf("failed to compute next version for user %s: %w", userID, err), "reserve version")
	}

	return next, nil
}
