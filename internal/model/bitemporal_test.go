package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

var usKey = model.Key{EntityType: model.EntityTypeCountry, CodeSystem: model.CodeSystemISO3166Alpha2, BusinessKey: "US"}

func newRecord(t *testing.T, from, to string) model.Record {
	t.Helper()

	p := model.NewRecordParams{
		Key:        usKey,
		ValidFrom:  model.MustDate(from),
		Version:    1,
		RecordedAt: model.MustDate(from),
		RecordedBy: "seed",
		Attributes: []byte(`{"name":"United States"}`),
	}
	if to != "" {
		p.ValidTo = model.DatePtr(model.MustDate(to))
	}

	rec, err := model.NewRecord(p)
	require.NoError(t, err)

	return rec
}

func TestNewRecordValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.NewRecordParams)
		wantErr error
	}{
		{name: "missing key", mutate: func(p *model.NewRecordParams) { p.Key.BusinessKey = "" }, wantErr: model.ErrInvalidRecord},
		{name: "missing code system", mutate: func(p *model.NewRecordParams) { p.Key.CodeSystem = "" }, wantErr: model.ErrInvalidRecord},
		{name: "zero version", mutate: func(p *model.NewRecordParams) { p.Version = 0 }, wantErr: model.ErrInvalidRecord},
		{name: "end before start", mutate: func(p *model.NewRecordParams) {
			p.ValidTo = model.DatePtr(model.MustDate("2023-12-31"))
		}, wantErr: model.ErrInvalidValidityWindow},
		{name: "empty window allowed", mutate: func(p *model.NewRecordParams) {
			p.ValidTo = model.DatePtr(model.MustDate("2024-01-01"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := model.NewRecordParams{Key: usKey, ValidFrom: model.MustDate("2024-01-01"), Version: 1}
			tt.mutate(&p)

			_, err := model.NewRecord(p)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewRecordTruncatesToDay(t *testing.T) {
	rec, err := model.NewRecord(model.NewRecordParams{
		Key:       usKey,
		ValidFrom: time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC),
		Version:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MustDate("2024-01-01"), rec.ValidFrom)
}

func TestWasValidOnUsesExclusiveEnd(t *testing.T) {
	rec := newRecord(t, "2020-01-01", "2021-01-01")

	assert.False(t, rec.WasValidOn(model.MustDate("2019-12-31")))
	assert.True(t, rec.WasValidOn(model.MustDate("2020-01-01")))
	assert.True(t, rec.WasValidOn(time.Date(2020, 12, 31, 23, 59, 0, 0, time.UTC)))
	assert.False(t, rec.WasValidOn(model.MustDate("2021-01-01")))

	open := newRecord(t, "2020-01-01", "")
	assert.True(t, open.IsOpen())
	assert.True(t, open.WasValidOn(model.MustDate("2099-01-01")))
}

func TestEndValidityNeverExtends(t *testing.T) {
	rec := newRecord(t, "2020-01-01", "")

	closed, err := model.EndValidity(rec, model.MustDate("2021-06-15"))
	require.NoError(t, err)
	require.NotNil(t, closed.ValidTo)
	assert.Equal(t, model.MustDate("2021-06-15"), *closed.ValidTo)
	assert.Nil(t, rec.ValidTo, "original is untouched")

	same, err := model.EndValidity(closed, model.MustDate("2022-01-01"))
	require.NoError(t, err)
	assert.Equal(t, model.MustDate("2021-06-15"), *same.ValidTo)

	earlier, err := model.EndValidity(closed, model.MustDate("2021-01-01"))
	require.NoError(t, err)
	assert.Equal(t, model.MustDate("2021-01-01"), *earlier.ValidTo)

	_, err = model.EndValidity(rec, model.MustDate("2019-01-01"))
	require.ErrorIs(t, err, model.ErrInvalidValidityWindow)
}

func TestCreateNewVersion(t *testing.T) {
	base := newRecord(t, "2020-01-01", "")
	now := time.Date(2021, 6, 15, 10, 0, 0, 0, time.UTC)
	cr := "CR-1"

	next := model.CreateNewVersion(base, "alice", &cr, now)

	assert.NotEqual(t, base.ID, next.ID)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, model.MustDate("2021-06-15"), next.ValidFrom)
	assert.Nil(t, next.ValidTo)
	assert.False(t, next.IsCorrection)
	assert.Equal(t, "alice", next.RecordedBy)
	assert.Equal(t, now, next.RecordedAt)
	require.NotNil(t, next.ChangeRequestID)
	assert.Equal(t, cr, *next.ChangeRequestID)
	assert.Equal(t, base.LineageKey(), next.LineageKey())
}

func TestCreateCorrectionKeepsWindow(t *testing.T) {
	base := newRecord(t, "2022-01-01", "2023-01-01")
	base.Version = 3

	fix := model.CreateCorrection(base, "bob", nil, time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, int64(4), fix.Version)
	assert.True(t, fix.IsCorrection)
	assert.Equal(t, base.ValidFrom, fix.ValidFrom)
	assert.Equal(t, *base.ValidTo, *fix.ValidTo)
	assert.NotSame(t, base.ValidTo, fix.ValidTo)
	assert.Nil(t, fix.ChangeRequestID)
}

func TestSameAttributesIgnoresWhitespace(t *testing.T) {
	assert.True(t, model.SameAttributes([]byte(`{"a":1, "b":"x"}`), []byte(`{"a":1,"b":"x"}`)))
	assert.False(t, model.SameAttributes([]byte(`{"a":1}`), []byte(`{"a":2}`)))
}

func TestParseEntityType(t *testing.T) {
	got, err := model.ParseEntityType("code_mapping")
	require.NoError(t, err)
	assert.Equal(t, model.EntityTypeCodeMapping, got)

	_, err = model.ParseEntityType("currency")
	require.ErrorIs(t, err, model.ErrUnknownEntityType)
}

func TestEventTypeFor(t *testing.T) {
	tests := []struct {
		entity model.EntityType
		kind   model.ChangeKind
		want   model.EventType
	}{
		{model.EntityTypeCountry, model.ChangeKindAddition, model.EventTypeCreated},
		{model.EntityTypePort, model.ChangeKindUpdate, model.EventTypeUpdated},
		{model.EntityTypeAirport, model.ChangeKindCorrection, model.EventTypeUpdated},
		{model.EntityTypeCountry, model.ChangeKindDeletion, model.EventTypeDeleted},
		{model.EntityTypeCountry, model.ChangeKindDeprecation, model.EventTypeDeprecated},
		{model.EntityTypeCodeMapping, model.ChangeKindAddition, model.EventTypeMappingCreated},
		{model.EntityTypeCodeMapping, model.ChangeKindDeletion, model.EventTypeMappingDeleted},
	}

	for _, tt := range tests {
		got, err := model.EventTypeFor(tt.entity, tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.entity, tt.kind)
	}

	_, err := model.EventTypeFor(model.EntityTypeCountry, "MERGE")
	require.ErrorIs(t, err, model.ErrUnknownChangeKind)
}

func TestNewEnvelopeCarriesPredecessor(t *testing.T) {
	prev := newRecord(t, "2020-01-01", "2021-06-15")
	row := model.CreateNewVersion(prev, "system:loader", nil, model.MustDate("2021-06-15"))

	env, err := model.NewEnvelope(model.ChangeKindUpdate, row, &prev, time.Now())
	require.NoError(t, err)

	assert.Equal(t, model.EventTypeUpdated, env.EventType)
	assert.Equal(t, "ISO3166-1-ALPHA2:US", env.AggregateID)
	assert.Equal(t, int64(2), env.Version)
	require.NotNil(t, env.PreviousVersion)
	assert.Equal(t, int64(1), *env.PreviousVersion)
	assert.Equal(t, "2021-06-15", env.ValidFrom)
	assert.Nil(t, env.ValidTo)
	assert.Equal(t, "ISO3166-1-ALPHA2:US|UPDATED|2", env.DedupKey())

	params, err := env.OutboxParams()
	require.NoError(t, err)
	assert.Equal(t, "COUNTRY", params.AggregateType)
	assert.Contains(t, string(params.Payload), `"previousVersion":1`)
}

func TestOutboxTransitions(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	event := *model.NewOutboxEvent(&model.CreateOutboxEventParams{AggregateID: "A", EventType: "CREATED"}, now)
	require.Equal(t, model.OutboxStatusPending, event.Status)

	_, err := event.Complete(now)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	claimed, err := event.Claim(now)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusProcessing, claimed.Status)

	retry, err := claimed.Fail(errors.New("timeout"), 2)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Nil(t, retry.ClaimedAt)

	claimed, err = retry.Claim(now)
	require.NoError(t, err)

	failed, err := claimed.Fail(errors.New("timeout"), 2)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, failed.Status)

	_, err = failed.Release(2)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	requeued, err := failed.Requeue()
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)

	claimed, err = requeued.Claim(now)
	require.NoError(t, err)

	done, err := claimed.Complete(now)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusProcessed, done.Status)
	require.NotNil(t, done.ProcessedAt)
	assert.Nil(t, done.ErrorMessage)
}

func TestReleaseCountsAnAttempt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	event := *model.NewOutboxEvent(&model.CreateOutboxEventParams{AggregateID: "A", EventType: "CREATED"}, now)

	claimed, err := event.Claim(now)
	require.NoError(t, err)

	released, err := claimed.Release(2)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPending, released.Status)
	assert.Equal(t, 1, released.RetryCount)
	assert.Nil(t, released.ClaimedAt)
	require.NotNil(t, released.ErrorMessage)
	assert.Equal(t, model.ErrClaimExpired.Error(), *released.ErrorMessage)

	claimed, err = released.Claim(now)
	require.NoError(t, err)

	exhausted, err := claimed.Release(2)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, exhausted.Status)
	assert.Equal(t, 2, exhausted.RetryCount)
}
