package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/profilesvc/internal/profileloader"

	"github.com/graph-gophers/dataloader"
)

type ctxKey string

const profileLoaderKey ctxKey = "profileLoader"

// DataLoaderMiddleware attaches a request-scoped profile loader to the context
func DataLoaderMiddleware(source profileloader.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := profileloader.NewProfileLoader(source)

			ctx := context.WithValue(r.Context(), profileLoaderKey, loader.Loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProfileLoaderFromContext retrieves the dataloader from context
func ProfileLoaderFromContext(ctx context.Context) *dataloader.Loader {
	if l, ok := ctx.Value(profileLoaderKey).(*dataloader.Loader); ok {
		return l
	}
	return nil
}
