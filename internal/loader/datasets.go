package loader

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

// Dataset names of the bundled definitions.
const (
	DatasetCountries    = "countries"
	DatasetPorts        = "ports"
	DatasetAirports     = "airports"
	DatasetCodeMappings = "code-mappings"
)

// dataset is a Definition assembled from a source and per-dataset functions.
type dataset[S, A any] struct {
	name       string
	entityType model.EntityType
	source     Source[S]
	validator  *validation.Service[S]
	identity   func(S) (codeSystem, businessKey string)
	toStaging  func(S) (StagingInput[A], error)
	merge      func(current, staged A) A
}

func (d *dataset[S, A]) Dataset() string { return d.name }

func (d *dataset[S, A]) EntityType() model.EntityType { return d.entityType }

func (d *dataset[S, A]) Extract(ctx context.Context, since *time.Time) ([]S, error) {
	return d.source.Fetch(ctx, since)
}

func (d *dataset[S, A]) Validator() *validation.Service[S] { return d.validator }

func (d *dataset[S, A]) Identity(record S) (codeSystem, businessKey string) { return d.identity(record) }

func (d *dataset[S, A]) ToStaging(record S) (StagingInput[A], error) { return d.toStaging(record) }

// HasChanged reports whether merging staged into current would produce
// different attributes, comparing canonical JSON.
func (d *dataset[S, A]) HasChanged(staged, current A) bool {
	a, errA := json.Marshal(d.Merge(current, staged))
	b, errB := json.Marshal(current)
	if errA != nil || errB != nil {
		return true
	}

	return !model.SameAttributes(a, b)
}

func (d *dataset[S, A]) Merge(current, staged A) A {
	if d.merge == nil {
		return staged
	}

	return d.merge(current, staged)
}

// orElse returns v unless it is blank.
func orElse(v, fallback string) string {
	if v == "" {
		return fallback
	}

	return v
}
