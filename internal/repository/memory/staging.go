package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

type stagingRepository struct {
	s *Store
}

func (r *stagingRepository) Truncate(_ context.Context, dataset string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.staging[:0:0]
	for _, row := range r.s.staging {
		if row.Dataset != dataset {
			kept = append(kept, row)
		}
	}

	removed := int64(len(r.s.staging) - len(kept))
	r.s.staging = kept

	return removed, nil
}

func (r *stagingRepository) InsertBatch(_ context.Context, rows []model.StagingRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.staging = append(r.s.staging, rows...)

	return nil
}

func (r *stagingRepository) FindByExecution(_ context.Context, executionID uuid.UUID) ([]model.StagingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.StagingRecord

	for _, row := range r.s.staging {
		if row.LoadExecutionID == executionID {
			out = append(out, row)
		}
	}

	return out, nil
}

func (r *stagingRepository) MarkProcessed(
	_ context.Context, executionID uuid.UUID, status model.ProcessingStatus,
) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64

	for i, row := range r.s.staging {
		if row.LoadExecutionID == executionID && row.ProcessingStatus == model.ProcessingStatusPending {
			r.s.staging[i].ProcessingStatus = status
			n++
		}
	}

	return n, nil
}
