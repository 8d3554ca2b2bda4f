package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/profilesvc/internal/db"
	"github.com/rpattn/profilesvc/internal/domain"
)

const snapshotColumns = `user_id, version, fields, operation, restored_from_version, created_at`

// snapshotRepository implements SnapshotStore against profile_snapshots.
type snapshotRepository struct {
	db db.DBTX
}

// NewSnapshotRepository creates a snapshot store bound to a pool or transaction.
func NewSnapshotRepository(conn db.DBTX) SnapshotStore {
	return &snapshotRepository{db: conn}
}

// PutSnapshot inserts a new immutable snapshot
func (r *snapshotRepository) PutSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	fieldsJSON, err := domain.EncodeFields(snapshot.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	var restoredFrom pgtype.Int8
	if snapshot.RestoredFromVersion != nil {
		restoredFrom = pgtype.Int8{Int64: *snapshot.RestoredFromVersion, Valid: true}
	}

	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Exec(
		ctx,
		`INSERT INTO profile_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snapshot.UserID,
		snapshot.Version,
		fieldsJSON,
		string(snapshot.Operation),
		restoredFrom,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DuplicateVersion(snapshot.UserID, snapshot.Version, err)
		}
		return classifyError(fmt.Errorf("failed to insert snapshot: %w", err), "put snapshot")
	}

	return nil
}

// GetSnapshot retrieves one exact version
func (r *snapshotRepository) GetSnapshot(ctx context.Context, userID string, version int64) (domain.Snapshot, error) {
	row := r.db.QueryRow(
		ctx,
		`SELECT `+snapshotColumns+`
		 FROM profile_snapshots
		 WHERE user_id = $1 AND version = $2`,
		userID,
		version,
	)

	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, domain.NotFoundf("user %s has no version %d", userID, version)
		}
		return domain.Snapshot{}, classifyError(fmt.Errorf("failed to get snapshot: %w", err), "get snapshot")
	}

	return snapshot, nil
}

// GetLatest retrieves the highest version for a user
func (r *snapshotRepository) GetLatest(ctx context.Context, userID string) (domain.Snapshot, error) {
	row := r.db.QueryRow(
		ctx,
		`SELECT `+snapshotColumns+`
		 FROM profile_snapshots
		 WHERE user_id = $1
		 ORDER BY version DESC
		 LIMIT 1`,
		userID,
	)

	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, domain.NotFoundf("user %s has no snapshots", userID)
		}
		return domain.Snapshot{}, classifyError(fmt.Errorf("failed to get latest snapshot: %w", err), "get latest snapshot")
	}

	return snapshot, nil
}

// GetLatestMany retrieves the highest version for each of the given users
func (r *snapshotRepository) GetLatestMany(ctx context.Context, userIDs []string) (map[string]domain.Snapshot, error) {
	result := make(map[string]domain.Snapshot, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(
		ctx,
		`SELECT DISTINCT ON (user_id) `+snapshotColumns+`
		 FROM profile_snapshots
		 WHERE user_id = ANY($1)
		 ORDER BY user_id, version DESC`,
		userIDs,
	)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list latest snapshots: %w", err), "get latest snapshots")
	}
	defer rows.Close()

	for rows.Next() {
		snapshot, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", scanErr)
		}
		result[snapshot.UserID] = snapshot
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, classifyError(fmt.Errorf("failed to iterate snapshots: %w", rowsErr), "get latest snapshots")
	}

	return result, nil
}

// ListVersions retrieves every snapshot for a user ascending by version
func (r *snapshotRepository) ListVersions(ctx context.Context, userID string) ([]domain.Snapshot, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+snapshotColumns+`
		 FROM profile_snapshots
		 WHERE user_id = $1
		 ORDER BY version ASC`,
		userID,
	)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list snapshots: %w", err), "list versions")
	}
	defer rows.Close()

	snapshots := []domain.Snapshot{}
	for rows.Next() {
		snapshot, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", scanErr)
		}
		snapshots = append(snapshots, snapshot)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, classifyError(fmt.Errorf("failed to iterate snapshots: %w", rowsErr), "list versions")
	}

	return snapshots, nil
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		snapshot     domain.Snapshot
		fieldsJSON   []byte
		operation    string
		restoredFrom pgtype.Int8
		createdAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&snapshot.UserID,
		&snapshot.Version,
		&fieldsJSON,
		&operation,
		&restoredFrom,
		&createdAt,
	); err != nil {
		return domain.Snapshot{}, err
	}

	fields, err := domain.DecodeFields(fieldsJSON)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s@%d: %w", snapshot.UserID, snapshot.Version, err)
	}
	snapshot.Fields = fields

	op, err := domain.ParseOperation(operation)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s@%d: %w", snapshot.UserID, snapshot.Version, err)
	}
	snapshot.Operation = op

	if restoredFrom.Valid {
		value := restoredFrom.Int64
		snapshot.RestoredFromVersion = &value
	}
	if createdAt.Valid {
		snapshot.CreatedAt = createdAt.Time
	}

	return snapshot, nil
}
