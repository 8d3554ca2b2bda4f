package repository

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/profilesvc/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// classifyError maps a pgx failure onto the engine's error kinds. Errors that
// already carry a kind, and context cancellation, pass through unchanged.
func classifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgSerializationFailure,
			pgErr.Code == pgDeadlockDetected,
			pgErr.Code == pgLockNotAvailable:
			return domain.Conflict(err, "%s", op)
		case pgErr.Code == pgTooManyConnections,
			pgErr.Code == pgAdminShutdown,
			pgErr.Code == pgCannotConnectNow,
			strings.HasPrefix(pgErr.Code, "08"):
			return domain.StorageUnavailable(err, "%s", op)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return domain.StorageUnavailable(err, "%s", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.StorageUnavailable(err, "%s", op)
	}
	if pgconn.Timeout(err) {
		return domain.StorageUnavailable(err, "%s", op)
	}

	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
