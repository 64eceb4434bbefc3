// Package memory provides in-memory repository implementations used by unit
// tests and local runs without PostgreSQL.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
)

// Store holds every table in process memory. All repositories returned by a
// Store share its lock, so a transaction sees and rolls back all of them.
type Store struct {
	mu sync.Mutex
	// txMu serializes transactions; a rollback restores the snapshot taken at begin.
	txMu sync.Mutex

	records []model.Record
	staging []model.StagingRecord
	outbox  []*model.OutboxEvent
	results map[uuid.UUID]model.LoaderResult
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{results: make(map[uuid.UUID]model.LoaderResult)}
}

// Records returns the record repository backed by s.
func (s *Store) Records() repository.RecordRepository { return &recordRepository{s: s} }

// Staging returns the staging repository backed by s.
func (s *Store) Staging() repository.StagingRepository { return &stagingRepository{s: s} }

// Outbox returns the outbox repository backed by s.
func (s *Store) Outbox() repository.OutboxRepository { return newOutboxRepository(s) }

// Results returns the load result repository backed by s.
func (s *Store) Results() repository.ResultRepository { return &resultRepository{s: s} }

// TxManager returns a transaction manager with snapshot rollback.
func (s *Store) TxManager() repository.TransactionManager { return &txManager{s: s} }

type snapshot struct {
	records []model.Record
	staging []model.StagingRecord
	outbox  []*model.OutboxEvent
	results map[uuid.UUID]model.LoaderResult
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		records: append([]model.Record(nil), s.records...),
		staging: append([]model.StagingRecord(nil), s.staging...),
		outbox:  make([]*model.OutboxEvent, len(s.outbox)),
		results: make(map[uuid.UUID]model.LoaderResult, len(s.results)),
	}

	for i, e := range s.outbox {
		c := *e
		snap.outbox[i] = &c
	}

	for k, v := range s.results {
		snap.results[k] = v
	}

	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = snap.records
	s.staging = snap.staging
	s.outbox = snap.outbox
	s.results = snap.results
}

type txKey struct{}

type txManager struct {
	s *Store
}

// WithTransaction runs fn serialized against other transactions and restores
// the store if fn fails. Nested calls join the outer transaction.
func (tm *txManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	tm.s.txMu.Lock()
	defer tm.s.txMu.Unlock()

	snap := tm.s.snapshot()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		tm.s.restore(snap)
		return err
	}

	return nil
}
