package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/prmirror/internal/logger"
)

// prefetchConcurrency bounds how many factory calls run at once.
const prefetchConcurrency = 4

// Prefetch warms the cache for the given keys, calling factory concurrently
// for each key not already cached. Individual factory failures are logged and
// skipped; the batch only fails when the context is cancelled.
func (c *Cache) Prefetch(ctx context.Context, keys []string, ttl time.Duration, factory func(ctx context.Context, key string) (any, error)) error {
	var missing []string
	for _, key := range keys {
		if !c.Has(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)

	for _, key := range missing {
		g.Go(func() error {
			value, err := factory(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("cache: prefetch of %q failed: %v", key, err)
				return nil
			}
			if err := c.Set(key, value, ttl); err != nil {
				logger.Warn("cache: prefetch failed to store %q: %v", key, err)
			}
			return nil
		})
	}

	return g.Wait()
}
