package memory

import (
	"context"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

type resultRepository struct {
	s *Store
}

func (r *resultRepository) Save(_ context.Context, res *model.LoaderResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.results[res.ExecutionID] = *res

	return nil
}

func (r *resultRepository) Latest(_ context.Context, dataset string) (*model.LoaderResult, error) {
	return r.latest(dataset, func(*model.LoaderResult) bool { return true })
}

func (r *resultRepository) LastSuccessful(_ context.Context, dataset string) (*model.LoaderResult, error) {
	return r.latest(dataset, (*model.LoaderResult).Succeeded)
}

func (r *resultRepository) latest(dataset string, keep func(*model.LoaderResult) bool) (*model.LoaderResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *model.LoaderResult

	for _, res := range r.s.results {
		if res.Dataset != dataset || !keep(&res) {
			continue
		}

		if best == nil || res.StartedAt.After(best.StartedAt) {
			c := res
			best = &c
		}
	}

	if best == nil {
		return nil, model.ErrRecordNotFound
	}

	return best, nil
}
