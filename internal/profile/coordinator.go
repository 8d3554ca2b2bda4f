package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/repository"
)

const tracerName = "github.com/rpattn/profilesvc/internal/profile"

// Actor identifies who asked for a mutation. The engine records it verbatim.
type Actor struct {
	ID        string
	RequestID string
}

// MutationState is the lifecycle of one mutation attempt.
type MutationState string

const (
	StateReceived        MutationState = "RECEIVED"
	StateVersionReserved MutationState = "VERSION_RESERVED"
	StateSnapshotWritten MutationState = "SNAPSHOT_WRITTEN"
	StateAudited         MutationState = "AUDITED"
	StateCommitted       MutationState = "COMMITTED"
	StateFailed          MutationState = "FAILED"
)

// Coordinator is the single entry point for profile mutations. Each mutation
// reserves a version, writes the snapshot and records the audit entry in one
// unit of work.
type Coordinator struct {
	store           repository.Store
	conflictRetries int
	logger          *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithConflictRetries sets how many times a mutation is replayed after a
// version conflict before the conflict is returned. Defaults to 1.
func WithConflictRetries(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n >= 0 {
			c.conflictRetries = n
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store repository.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:           store,
		conflictRetries: 1,
		logger:          slog.Default(),
		tracer:          otel.Tracer(tracerName),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// buildFunc derives the next snapshot from the latest one (nil when the user
// has no history). It runs after the version is reserved, so the latest
// snapshot cannot change underneath it.
type buildFunc func(ctx context.Context, uow repository.UnitOfWork, latest *domain.Snapshot) (domain.Snapshot, error)

// Create starts a profile, or resurrects a deleted one. Resurrection continues
// the existing version sequence. Null values are dropped.
func (c *Coordinator) Create(ctx context.Context, actor Actor, userID string, fields map[string]any) (domain.Snapshot, error) {
	fields, err := validateInput(userID, fields)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return c.mutate(ctx, domain.OperationCreate, actor, userID, func(_ context.Context, _ repository.UnitOfWork, latest *domain.Snapshot) (domain.Snapshot, error) {
		if latest != nil && !latest.IsTombstone() {
			return domain.Snapshot{}, domain.AlreadyExistsf("user %s already has a live profile at version %d", userID, latest.Version)
		}
		return domain.Snapshot{Fields: domain.MergeFields(nil, fields)}, nil
	})
}

// Update merges a partial patch onto the current fields and stores the full
// result. A nil value removes the key.
func (c *Coordinator) Update(ctx context.Context, actor Actor, userID string, patch map[string]any) (domain.Snapshot, error) {
	patch, err := validateInput(userID, patch)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return c.mutate(ctx, domain.OperationUpdate, actor, userID, func(_ context.Context, _ repository.UnitOfWork, latest *domain.Snapshot) (domain.Snapshot, error) {
		if latest == nil || latest.IsTombstone() {
			return domain.Snapshot{}, domain.NotFoundf("user %s has no current profile", userID)
		}
		return domain.Snapshot{Fields: domain.MergeFields(latest.Fields, patch)}, nil
	})
}

// Delete writes a tombstone carrying the last known fields.
func (c *Coordinator) Delete(ctx context.Context, actor Actor, userID string) (domain.Snapshot, error) {
	if _, err := validateInput(userID, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return c.mutate(ctx, domain.OperationDelete, actor, userID, func(_ context.Context, _ repository.UnitOfWork, latest *domain.Snapshot) (domain.Snapshot, error) {
		if latest == nil || latest.IsTombstone() {
			return domain.Snapshot{}, domain.NotFoundf("user %s has no current profile", userID)
		}
		return domain.Snapshot{Fields: domain.CloneFields(latest.Fields)}, nil
	})
}

// Restore appends a new snapshot carrying the exact fields of target.
// Restoring the latest version is rejected; intervening history is untouched.
func (c *Coordinator) Restore(ctx context.Context, actor Actor, userID string, target int64) (domain.Snapshot, error) {
	if _, err := validateInput(userID, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return c.mutate(ctx, domain.OperationRestore, actor, userID, func(ctx context.Context, uow repository.UnitOfWork, latest *domain.Snapshot) (domain.Snapshot, error) {
		source, err := uow.Snapshots().GetSnapshot(ctx, userID, target)
		if err != nil {
			return domain.Snapshot{}, err
		}
		if latest != nil && latest.Version == target {
			return domain.Snapshot{}, domain.InvalidTargetf("version %d is already the latest version of user %s", target, userID)
		}
		from := source.Version
		return domain.Snapshot{
			Fields:              domain.CloneFields(source.Fields),
			RestoredFromVersion: &from,
		}, nil
	})
}

func (c *Coordinator) mutate(ctx context.Context, op domain.Operation, actor Actor, userID string, build buildFunc) (domain.Snapshot, error) {
	opLabel := strings.ToLower(string(op))
	ctx, span := c.tracer.Start(ctx, "profile."+opLabel, trace.WithAttributes(
		attribute.String("profile.user_id", userID),
		attribute.String("profile.operation", string(op)),
		attribute.String("profile.actor", actor.ID),
	))
	defer span.End()

	start := time.Now()
	var (
		snapshot domain.Snapshot
		err      error
	)
	for attempt := 0; ; attempt++ {
		snapshot, err = c.attempt(ctx, op, actor, userID, build)
		if err == nil || !domain.IsRetryable(err) || attempt >= c.conflictRetries {
			break
		}
		conflictRetries.WithLabelValues(opLabel).Inc()
		span.AddEvent("conflict_retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
		c.logger.WarnContext(ctx, "version conflict, retrying mutation",
			slog.String("operation", string(op)),
			slog.String("user_id", userID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}

	mutationDuration.WithLabelValues(opLabel).Observe(time.Since(start).Seconds())
	mutationTotal.WithLabelValues(opLabel, outcomeLabel(err)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Snapshot{}, err
	}

	span.SetAttributes(attribute.Int64("profile.version", snapshot.Version))
	c.logger.InfoContext(ctx, "profile mutation committed",
		slog.String("operation", string(op)),
		slog.String("user_id", userID),
		slog.Int64("version", snapshot.Version),
		slog.String("actor", actor.ID),
		slog.String("request_id", actor.RequestID),
	)
	return snapshot, nil
}

// attempt runs one pass of the mutation state machine inside a single unit of work.
func (c *Coordinator) attempt(ctx context.Context, op domain.Operation, actor Actor, userID string, build buildFunc) (domain.Snapshot, error) {
	state := StateReceived
	advance := func(next MutationState) {
		c.logger.DebugContext(ctx, "mutation state",
			slog.String("operation", string(op)),
			slog.String("user_id", userID),
			slog.String("from", string(state)),
			slog.String("to", string(next)),
		)
		state = next
	}

	var written domain.Snapshot
	err := c.store.WithinTx(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		version, err := uow.Sequencer().NextVersion(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to reserve version: %w", err)
		}
		advance(StateVersionReserved)

		var latest *domain.Snapshot
		current, err := uow.Snapshots().GetLatest(ctx, userID)
		switch {
		case err == nil:
			latest = &current
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("failed to load latest snapshot: %w", err)
		}

		next, err := build(ctx, uow, latest)
		if err != nil {
			return err
		}
		next.UserID = userID
		next.Version = version
		next.Operation = op
		next.CreatedAt = c.now()

		if err := uow.Snapshots().PutSnapshot(ctx, next); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		advance(StateSnapshotWritten)

		if err := uow.Audit().Record(ctx, domain.AuditEntry{
			UserID:    userID,
			Version:   version,
			Operation: op,
			Actor:     actor.ID,
			RequestID: actor.RequestID,
			CreatedAt: next.CreatedAt,
		}); err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
		advance(StateAudited)

		written = next
		return nil
	})
	if err != nil {
		mutationFailedState.WithLabelValues(strings.ToLower(string(op)), string(state)).Inc()
		c.logger.DebugContext(ctx, "mutation failed",
			slog.String("operation", string(op)),
			slog.String("user_id", userID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
		return domain.Snapshot{}, err
	}

	advance(StateCommitted)
	return written, nil
}

// validateInput returns fields in their stored representation.
func validateInput(userID string, fields map[string]any) (map[string]any, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.Invalidf("user id is required")
	}
	if err := domain.ValidateFields(fields); err != nil {
		return nil, err
	}
	return domain.NormalizeFields(fields)
}
