package timeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/timeline"
)

var usKey = model.Key{
	EntityType:  model.EntityTypeCountry,
	CodeSystem:  model.CodeSystemISO3166Alpha2,
	BusinessKey: "US",
}

func version(t *testing.T, v int64, from string, to string, correction bool) model.Record {
	t.Helper()

	var validTo *time.Time
	if to != "" {
		d := model.MustDate(to)
		validTo = &d
	}

	r, err := model.NewRecord(model.NewRecordParams{
		Key:        usKey,
		ValidFrom:  model.MustDate(from),
		ValidTo:    validTo,
		Version:    v,
		RecordedAt: time.Now(),
		RecordedBy: "test",
		Attributes: []byte(`{"name":"United States"}`),
	})
	require.NoError(t, err)
	r.IsCorrection = correction

	return r
}

// usHistory spans 2020-2023; version 4 corrects version 3 and shares its window.
func usHistory(t *testing.T) []model.Record {
	t.Helper()

	return []model.Record{
		version(t, 3, "2022-01-01", "", false),
		version(t, 1, "2020-01-01", "2021-01-01", false),
		version(t, 4, "2022-01-01", "", true),
		version(t, 2, "2021-01-01", "2022-01-01", false),
	}
}

func TestVersionOnPrefersCorrection(t *testing.T) {
	tl, err := timeline.New(usHistory(t))
	require.NoError(t, err)

	got, ok := tl.VersionOn(model.MustDate("2023-08-01"))
	require.True(t, ok)
	assert.Equal(t, int64(4), got.Version)
	assert.True(t, got.IsCorrection)
}

func TestVersionOn(t *testing.T) {
	tl, err := timeline.New(usHistory(t))
	require.NoError(t, err)

	tests := []struct {
		name    string
		date    string
		want    int64
		wantHit bool
	}{
		{name: "before history", date: "2019-12-31", wantHit: false},
		{name: "first day", date: "2020-01-01", want: 1, wantHit: true},
		{name: "end date is exclusive", date: "2021-01-01", want: 2, wantHit: true},
		{name: "last day of v2", date: "2021-12-31", want: 2, wantHit: true},
		{name: "open ended", date: "2030-01-01", want: 4, wantHit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tl.VersionOn(model.MustDate(tt.date))
			require.Equal(t, tt.wantHit, ok)
			if tt.wantHit {
				assert.Equal(t, tt.want, got.Version)
			}
		})
	}
}

func TestVersionsBetween(t *testing.T) {
	tl, err := timeline.New(usHistory(t))
	require.NoError(t, err)

	got := tl.VersionsBetween(model.MustDate("2020-06-01"), model.MustDate("2021-06-01"))
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)

	got = tl.VersionsBetween(model.MustDate("2022-01-01"), model.MustDate("2022-01-01"))
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Version)
	assert.Equal(t, int64(4), got[1].Version)

	assert.Empty(t, tl.VersionsBetween(model.MustDate("2021-01-01"), model.MustDate("2020-01-01")))
}

func TestChangePoints(t *testing.T) {
	tl, err := timeline.New(usHistory(t))
	require.NoError(t, err)

	got := tl.ChangePoints()
	want := []time.Time{
		model.MustDate("2020-01-01"),
		model.MustDate("2021-01-01"),
		model.MustDate("2022-01-01"),
	}
	assert.Equal(t, want, got)
}

func TestHistory(t *testing.T) {
	records := []model.Record{
		version(t, 1, "2020-01-01", "2020-06-01", false),
		version(t, 2, "2021-01-01", "", false),
	}

	tl, err := timeline.New(records)
	require.NoError(t, err)

	history := tl.History()
	require.Len(t, history, 3)
	assert.True(t, history[0].Valid)
	assert.Equal(t, int64(1), history[0].Version.Version)
	assert.False(t, history[1].Valid, "gap between versions")
	assert.Equal(t, int64(2), history[2].Version.Version)
}

func TestNewRejectsMixedLineage(t *testing.T) {
	other := version(t, 1, "2020-01-01", "", false)
	other.BusinessKey = "CA"

	_, err := timeline.New([]model.Record{version(t, 1, "2020-01-01", "", false), other})
	require.ErrorIs(t, err, model.ErrMixedLineage)
}

func TestEmptyTimeline(t *testing.T) {
	tl, err := timeline.New[model.Record](nil)
	require.NoError(t, err)

	_, ok := tl.VersionOn(time.Now())
	assert.False(t, ok)
	_, ok = tl.Latest()
	assert.False(t, ok)
	assert.Empty(t, tl.ChangePoints())
}

func TestTimelineOverTypedEntities(t *testing.T) {
	entities, err := model.DecodeAll[model.Country](usHistory(t))
	require.NoError(t, err)

	tl, err := timeline.New(entities)
	require.NoError(t, err)

	cur, ok := tl.Current(model.MustDate("2024-01-01"))
	require.True(t, ok)
	assert.Equal(t, "United States", cur.Data.Name)
	assert.Equal(t, int64(4), cur.Version)
}
