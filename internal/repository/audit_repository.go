package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/profilesvc/internal/db"
	"github.com/rpattn/profilesvc/internal/domain"
)

type auditRepository struct {
	db db.DBTX
}

// NewAuditRepository wires an audit ledger backed by profile_audit_log.
func NewAuditRepository(conn db.DBTX) AuditLedger {
	return &auditRepository{db: conn}
}

func (r *auditRepository) Record(ctx context.Context, entry domain.AuditEntry) error {
	var requestID pgtype.Text
	if entry.RequestID != "" {
		requestID = pgtype.Text{String: entry.RequestID, Valid: true}
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		ctx,
		`INSERT INTO profile_audit_log (user_id, version, operation, actor, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.UserID,
		entry.Version,
		string(entry.Operation),
		entry.Actor,
		requestID,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DuplicateVersion(entry.UserID, entry.Version, err)
		}
		return classifyError(fmt.Errorf("failed to record audit entry: %w", err), "record audit entry")
	}

	return nil
}

func (r *auditRepository) History(ctx context.Context, userID string) ([]domain.AuditEntry, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT user_id, version, operation, actor, request_id, created_at
		 FROM profile_audit_log
		 WHERE user_id = $1
		 ORDER BY version ASC`,
		userID,
	)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list audit entries: %w", err), "history")
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry     domain.AuditEntry
			operation string
			requestID pgtype.Text
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.UserID,
			&entry.Version,
			&operation,
			&entry.Actor,
			&requestID,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", scanErr)
		}

		op, parseErr := domain.ParseOperation(operation)
		if parseErr != nil {
			return nil, fmt.Errorf("audit entry %s@%d: %w", entry.UserID, entry.Version, parseErr)
		}
		entry.Operation = op
		if requestID.Valid {
			entry.RequestID = requestID.String
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		entries = append(entries, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, classifyError(fmt.Errorf("failed to iterate audit entries: %w", rowsErr), "history")
	}

	return entries, nil
}
