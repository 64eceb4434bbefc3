package loader_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/loader"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository/memory"
)

func registryDeps(store *memory.Store) loader.Deps {
	return loader.Deps{
		Records: store.Records(),
		Staging: store.Staging(),
		Outbox:  store.Outbox(),
		Results: store.Results(),
		Tx:      store.TxManager(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewJobKnowsEveryDataset(t *testing.T) {
	for _, name := range loader.Datasets() {
		job, err := loader.NewJob(name, loader.SourceConfig{}, registryDeps(memory.NewStore()), loader.DefaultOptions())
		require.NoError(t, err, name)
		assert.Equal(t, name, job.Dataset())
	}

	_, err := loader.NewJob("currencies", loader.SourceConfig{}, registryDeps(memory.NewStore()), loader.DefaultOptions())
	require.ErrorIs(t, err, loader.ErrUnknownDataset)
}

func TestJobWithoutSourceFailsExtract(t *testing.T) {
	job, err := loader.NewJob(loader.DatasetPorts, loader.SourceConfig{}, registryDeps(memory.NewStore()), loader.DefaultOptions())
	require.NoError(t, err)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoadStatusFailed, res.Status)
	assert.Equal(t, model.StateExtract, res.FailedState)
	assert.Contains(t, res.ErrorMessage, loader.ErrNoSource.Error())
}

func TestJobRunsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countries.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"alpha2":"FR","alpha3":"FRA","name":"France"}]`), 0o600))

	store := memory.NewStore()
	job, err := loader.NewJob(loader.DatasetCountries, loader.SourceConfig{Path: path}, registryDeps(store), loader.DefaultOptions())
	require.NoError(t, err)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LoadStatusSucceeded, res.Status)
	assert.Equal(t, 1, res.RecordsAdded)
}

func TestApplyApprovedJSON(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	opts := loader.DefaultOptions()
	opts.Clock = func() time.Time { return now }

	store := memory.NewStore()
	job, err := loader.NewJob(loader.DatasetCountries, loader.SourceConfig{}, registryDeps(store), opts)
	require.NoError(t, err)

	rec, err := job.ApplyApprovedJSON(context.Background(), "CR-42", []byte(`{
		"action": "ADD",
		"code_system": "ISO3166-1-ALPHA2",
		"business_key": "XK",
		"data": {"alpha2": "XK", "name": "Kosovo"},
		"effective_date": "2024-04-01",
		"approved_by": "alice",
		"decision": {"allowed": true, "reason": "steward approval"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, model.MustDate("2024-04-01"), rec.ValidFrom)
	assert.Equal(t, "alice", rec.RecordedBy)
	require.NotNil(t, rec.ChangeRequestID)
	assert.Equal(t, "CR-42", *rec.ChangeRequestID)
}

func TestApplyApprovedJSONRejectsBadInput(t *testing.T) {
	job, err := loader.NewJob(loader.DatasetCountries, loader.SourceConfig{}, registryDeps(memory.NewStore()), loader.DefaultOptions())
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "unknown field", body: `{"action":"ADD","code_system":"ISO3166-1-ALPHA2","business_key":"XK","colour":"red"}`},
		{name: "bad date", body: `{"action":"ADD","code_system":"ISO3166-1-ALPHA2","business_key":"XK","effective_date":"04/01/2024"}`},
		{name: "no key", body: `{"action":"ADD","code_system":"ISO3166-1-ALPHA2"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := job.ApplyApprovedJSON(context.Background(), "CR-1", []byte(tt.body))
			require.ErrorIs(t, err, model.ErrInvalidRecord)
		})
	}
}
