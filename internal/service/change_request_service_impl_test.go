package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository/memory"
	"github.com/jnst/bitemporal-refdata/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChangeRequestSubmit(t *testing.T) {
	var got model.ChangeProposal

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"CR-7"}`))
	}))
	defer srv.Close()

	svc := service.NewChangeRequestServiceImpl(srv.URL, srv.Client(), memory.NewStore().Records(), discardLogger())

	proposal := &model.ChangeProposal{
		Dataset:     "countries",
		EntityType:  model.EntityTypeCountry,
		ExecutionID: uuid.New(),
		RequestedBy: "system:loader",
		Additions:   []model.Record{{EntityType: model.EntityTypeCountry, BusinessKey: "US", CodeSystem: "ISO3166-1-ALPHA2", Version: 1}},
	}

	id, err := svc.Submit(context.Background(), proposal)
	require.NoError(t, err)
	assert.Equal(t, "CR-7", id)
	assert.Equal(t, proposal.ExecutionID, got.ExecutionID)
	require.Len(t, got.Additions, 1)
	assert.Equal(t, "US", got.Additions[0].BusinessKey)
}

func TestChangeRequestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "workflow error", status: http.StatusBadRequest, body: "dataset locked", wantErr: "dataset locked"},
		{name: "no id", status: http.StatusOK, body: `{}`, wantErr: "no id"},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantErr: "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			svc := service.NewChangeRequestServiceImpl(srv.URL, srv.Client(), memory.NewStore().Records(), discardLogger())

			_, err := svc.Submit(context.Background(), &model.ChangeProposal{Dataset: "countries"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChangeRequestSubmitWithoutEndpoint(t *testing.T) {
	svc := service.NewChangeRequestServiceImpl("", nil, memory.NewStore().Records(), discardLogger())

	_, err := svc.Submit(context.Background(), &model.ChangeProposal{})
	require.ErrorIs(t, err, service.ErrWorkflowNotConfigured)
}

func TestChangeRequestRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	cr := "CR-9"
	for i, key := range []string{"US", "DE"} {
		rec, err := model.NewRecord(model.NewRecordParams{
			Key:             model.Key{EntityType: model.EntityTypeCountry, CodeSystem: model.CodeSystemISO3166Alpha2, BusinessKey: key},
			ValidFrom:       model.MustDate("2024-01-01"),
			Version:         int64(i + 1),
			RecordedBy:      "alice",
			ChangeRequestID: &cr,
		})
		require.NoError(t, err)
		require.NoError(t, store.Records().Insert(ctx, &rec))
	}

	svc := service.NewChangeRequestServiceImpl("", nil, store.Records(), discardLogger())

	rows, err := svc.Records(ctx, cr)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "DE", rows[0].BusinessKey)
	assert.Equal(t, "US", rows[1].BusinessKey)

	rows, err = svc.Records(ctx, "CR-unknown")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
