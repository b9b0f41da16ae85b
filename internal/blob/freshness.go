package blob

import (
	"context"
	"errors"
	"time"
)

// IsFresh reports whether the artifact at path was modified less than
// maxAge ago. A missing artifact is never fresh. The check is read-only
// and runs before any network call to a source adapter, so a fresh
// artifact short-circuits the fetch entirely.
func IsFresh(ctx context.Context, s Store, path string, maxAge time.Duration) (bool, error) {
	return isFreshAt(ctx, s, path, maxAge, time.Now().UTC())
}

func isFreshAt(ctx context.Context, s Store, path string, maxAge time.Duration, now time.Time) (bool, error) {
	info, err := s.Stat(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// Strictly less than: an artifact exactly maxAge old is stale.
	return now.Sub(info.LastModified) < maxAge, nil
}
