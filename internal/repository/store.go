package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/profilesvc/internal/db"
)

// postgresStore implements Store on top of a pgx pool.
type postgresStore struct {
	conn      *db.Connection
	txOptions pgx.TxOptions
	snapshots SnapshotStore
	audit     AuditLedger
}

// NewPostgresStore wires the Postgres-backed engine store. Mutations run at
// the given isolation level.
func NewPostgresStore(conn *db.Connection, isolation pgx.TxIsoLevel) Store {
	return &postgresStore{
		conn:      conn,
		txOptions: pgx.TxOptions{IsoLevel: isolation, AccessMode: pgx.ReadWrite},
		snapshots: NewSnapshotRepository(conn.Pool),
		audit:     NewAuditRepository(conn.Pool),
	}
}

func (s *postgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	err := s.conn.WithTx(ctx, s.txOptions, func(tx pgx.Tx) error {
		return fn(ctx, &postgresUnitOfWork{
			snapshots: NewSnapshotRepository(tx),
			sequencer: newVersionSequencer(tx),
			audit:     NewAuditRepository(tx),
		})
	})
	return classifyError(err, "transaction")
}

func (s *postgresStore) Snapshots() SnapshotStore {
	return s.snapshots
}

func (s *postgresStore) Audit() AuditLedger {
	return s.audit
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if err := s.conn.Pool.Ping(ctx); err != nil {
		return classifyError(fmt.Errorf("failed to ping database: %w", err), "ping")
	}
	return nil
}

type postgresUnitOfWork struct {
	snapshots SnapshotStore
	sequencer VersionSequencer
	audit     AuditLedger
}

func (u *postgresUnitOfWork) Snapshots() SnapshotStore    { return u.snapshots }
func (u *postgresUnitOfWork) Sequencer() VersionSequencer { return u.sequencer }
func (u *postgresUnitOfWork) Audit() AuditLedger          { return u.audit }
