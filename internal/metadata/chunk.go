package metadata

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phuaky/pong-rank/internal/constants"
)

type fetchFunc[V any] func(ctx context.Context, chunk []uuid.UUID) (map[uuid.UUID]V, error)

// lookupChunked splits ids into groups of at most size keys, fetches the
// groups concurrently and merges the results. Duplicate ids are queried once.
func lookupChunked[V any](ctx context.Context, ids []uuid.UUID, size int, fetch fetchFunc[V]) (map[uuid.UUID]V, error) {
	out := make(map[uuid.UUID]V, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if size < 1 {
		size = constants.DefaultMaxKeysPerQuery
	}

	unique := dedupe(ids)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.MetadataFanOut)

	for _, chunk := range chunks(unique, size) {
		g.Go(func() error {
			got, err := fetch(ctx, chunk)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for k, v := range got {
				out[k] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func chunks(ids []uuid.UUID, size int) [][]uuid.UUID {
	var out [][]uuid.UUID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
