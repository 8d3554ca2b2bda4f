package profileloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/profilesvc/internal/domain"

	"github.com/graph-gophers/dataloader"
)

// Source answers batched current-profile lookups.
type Source interface {
	CurrentMany(ctx context.Context, userIDs []string) (map[string]domain.UserProfile, error)
}

type ProfileLoader struct {
	Loader *dataloader.Loader
}

func NewProfileLoader(source Source) *ProfileLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := keys.Keys()

		profiles, err := source.CurrentMany(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if p, ok := profiles[id]; ok {
				results[i] = &dataloader.Result{Data: p}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &ProfileLoader{Loader: loader}
}

// Load resolves one live profile through loader. ok is false when the user
// has no live profile.
func Load(ctx context.Context, loader *dataloader.Loader, userID string) (profile domain.UserProfile, ok bool, err error) {
	data, err := loader.Load(ctx, dataloader.StringKey(userID))()
	if err != nil {
		return domain.UserProfile{}, false, err
	}
	return asProfile(data)
}

// LoadMany resolves several ids in one batch. Missing and deleted profiles
// are left out of the result.
func LoadMany(ctx context.Context, loader *dataloader.Loader, userIDs []string) (map[string]domain.UserProfile, error) {
	data, errs := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(userIDs))()
	profiles := make(map[string]domain.UserProfile, len(userIDs))
	for i, item := range data {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		profile, ok, err := asProfile(item)
		if err != nil {
			return nil, err
		}
		if ok {
			profiles[userIDs[i]] = profile
		}
	}
	if len(data) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	return profiles, nil
}

func asProfile(data any) (domain.UserProfile, bool, error) {
	if data == nil {
		return domain.UserProfile{}, false, nil
	}
	profile, ok := data.(domain.UserProfile)
	if !ok {
		return domain.UserProfile{}, false, fmt.Errorf("unexpected loader result %T", data)
	}
	return profile, true, nil
}
