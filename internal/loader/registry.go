package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

var (
	// ErrUnknownDataset is returned for a dataset name no definition exists for.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrNoSource is returned by a job that was built without a source location.
	ErrNoSource = errors.New("no source configured")
)

// Job is a pipeline with its types erased, so callers can pick a dataset by name.
type Job interface {
	Dataset() string
	Run(ctx context.Context) (*model.LoaderResult, error)
	// ApplyApprovedJSON decodes an approved change from its JSON form and applies it.
	ApplyApprovedJSON(ctx context.Context, changeRequestID string, body []byte) (*model.Record, error)
}

// SourceConfig locates the raw data of a dataset: a JSON file when Path is
// set, otherwise an HTTP endpoint.
type SourceConfig struct {
	Path   string
	URL    string
	Client *http.Client
}

// Datasets lists the dataset names NewJob accepts.
func Datasets() []string {
	return []string{DatasetCountries, DatasetPorts, DatasetAirports, DatasetCodeMappings}
}

// NewJob builds the pipeline of the named dataset.
func NewJob(dataset string, src SourceConfig, deps Deps, opts Options) (Job, error) {
	switch dataset {
	case DatasetCountries:
		return New(NewCountries(sourceFor[CountryRow](src)), deps, opts), nil
	case DatasetPorts:
		return New(NewPorts(sourceFor[PortRow](src)), deps, opts), nil
	case DatasetAirports:
		return New(NewAirports(sourceFor[AirportRow](src)), deps, opts), nil
	case DatasetCodeMappings:
		return New(NewCodeMappings(sourceFor[model.CodeMapping](src)), deps, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
	}
}

func sourceFor[S any](src SourceConfig) Source[S] {
	switch {
	case src.Path != "":
		return JSONFileSource[S]{Path: src.Path}
	case src.URL != "":
		return HTTPSource[S]{URL: src.URL, Client: src.Client}
	default:
		return StaticSource[S]{Err: ErrNoSource}
	}
}

// Dataset returns the name of the dataset the pipeline loads.
func (p *Pipeline[S, A]) Dataset() string {
	return p.def.Dataset()
}

type approvedChangeJSON[A any] struct {
	Action        Action               `json:"action"`
	CodeSystem    string               `json:"code_system"`
	BusinessKey   string               `json:"business_key"`
	Data          A                    `json:"data"`
	EffectiveDate string               `json:"effective_date,omitempty"`
	ApprovedBy    string               `json:"approved_by"`
	Decision      model.PolicyDecision `json:"decision"`
}

func (p *Pipeline[S, A]) ApplyApprovedJSON(ctx context.Context, changeRequestID string, body []byte) (*model.Record, error) {
	var in approvedChangeJSON[A]

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidRecord, err)
	}

	change := ApprovedChange[A]{
		ChangeRequestID: changeRequestID,
		Action:          in.Action,
		CodeSystem:      in.CodeSystem,
		BusinessKey:     in.BusinessKey,
		Data:            in.Data,
		ApprovedBy:      in.ApprovedBy,
		Decision:        in.Decision,
	}

	if in.EffectiveDate != "" {
		date, err := model.ParseDate(in.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("%w: effective_date: %w", model.ErrInvalidRecord, err)
		}

		change.EffectiveDate = &date
	}

	if change.CodeSystem == "" || change.BusinessKey == "" {
		return nil, fmt.Errorf("%w: code_system and business_key are required", model.ErrInvalidRecord)
	}

	return p.ApplyApproved(ctx, change)
}
