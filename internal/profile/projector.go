package profile

import (
	"context"

	"github.com/rpattn/profilesvc/internal/domain"
	"github.com/rpattn/profilesvc/internal/repository"
)

// Projector derives read views from committed snapshots. It never takes the
// per-user write lock.
type Projector struct {
	snapshots repository.SnapshotStore
	audit     repository.AuditLedger
}

// NewProjector builds a projector over the store's committed views.
func NewProjector(store repository.Store) *Projector {
	return &Projector{snapshots: store.Snapshots(), audit: store.Audit()}
}

// Current returns the live profile. A tombstoned profile is reported as not found.
func (p *Projector) Current(ctx context.Context, userID string) (domain.UserProfile, error) {
	latest, err := p.snapshots.GetLatest(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if latest.IsTombstone() {
		return domain.UserProfile{}, domain.NotFoundf("user %s was deleted at version %d", userID, latest.Version)
	}
	return domain.ProfileFromSnapshot(latest), nil
}

// CurrentMany returns live profiles keyed by user id. Missing and deleted ids
// are omitted.
func (p *Projector) CurrentMany(ctx context.Context, userIDs []string) (map[string]domain.UserProfile, error) {
	latest, err := p.snapshots.GetLatestMany(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]domain.UserProfile, len(latest))
	for userID, snapshot := range latest {
		if snapshot.IsTombstone() {
			continue
		}
		profiles[userID] = domain.ProfileFromSnapshot(snapshot)
	}
	return profiles, nil
}

// StateAt returns the exact snapshot at version, tombstones included.
func (p *Projector) StateAt(ctx context.Context, userID string, version int64) (domain.Snapshot, error) {
	if version < 1 {
		return domain.Snapshot{}, domain.NotFoundf("user %s has no version %d", userID, version)
	}
	return p.snapshots.GetSnapshot(ctx, userID, version)
}

// Versions lists every snapshot ascending by version. A user without history
// is reported as not found.
func (p *Projector) Versions(ctx context.Context, userID string) ([]domain.Snapshot, error) {
	versions, err := p.snapshots.ListVersions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, domain.NotFoundf("user %s has no snapshots", userID)
	}
	return versions, nil
}

// History returns the audit ledger for userID ascending by version.
func (p *Projector) History(ctx context.Context, userID string) ([]domain.AuditEntry, error) {
	entries, err := p.audit.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.NotFoundf("user %s has no history", userID)
	}
	return entries, nil
}

// Diff compares two versions of the same profile field by field.
func (p *Projector) Diff(ctx context.Context, userID string, from, to int64) (domain.SnapshotDiff, error) {
	base, err := p.StateAt(ctx, userID, from)
	if err != nil {
		return domain.SnapshotDiff{}, err
	}
	target, err := p.StateAt(ctx, userID, to)
	if err != nil {
		return domain.SnapshotDiff{}, err
	}
	return domain.CompareSnapshots(base, target)
}
