package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/repository"
)

const maxWorkflowResponseBytes = 1 << 20

// ErrWorkflowNotConfigured is returned by Submit when no workflow endpoint is set.
var ErrWorkflowNotConfigured = errors.New("change request workflow endpoint not configured")

type submitResponse struct {
	ID string `json:"id"`
}

// ChangeRequestServiceImpl posts proposals to the approval workflow over HTTP
// and answers audit queries from the record repository.
type ChangeRequestServiceImpl struct {
	endpoint   string
	httpClient *http.Client
	recordRepo repository.RecordRepository
	logger     *slog.Logger
}

// NewChangeRequestServiceImpl creates a ChangeRequestService. An empty
// endpoint disables Submit.
func NewChangeRequestServiceImpl(
	endpoint string, httpClient *http.Client, recordRepo repository.RecordRepository, logger *slog.Logger,
) ChangeRequestService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ChangeRequestServiceImpl{
		endpoint:   endpoint,
		httpClient: httpClient,
		recordRepo: recordRepo,
		logger:     logger,
	}
}

// Submit sends the proposal and returns the id the workflow assigned.
func (s *ChangeRequestServiceImpl) Submit(ctx context.Context, proposal *model.ChangeProposal) (string, error) {
	if s.endpoint == "" {
		return "", ErrWorkflowNotConfigured
	}

	body, err := json.Marshal(proposal)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change proposal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build change request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit change request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read change request response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("change request workflow returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode change request response: %w", err)
	}

	if out.ID == "" {
		return "", errors.New("change request workflow returned no id")
	}

	s.logger.Info("submitted change request",
		slog.String("change_request_id", out.ID),
		slog.String("dataset", proposal.Dataset),
		slog.Int("changes", proposal.Size()),
	)

	return out.ID, nil
}

// Records returns the rows written under changeRequestID.
func (s *ChangeRequestServiceImpl) Records(ctx context.Context, changeRequestID string) ([]model.Record, error) {
	return s.recordRepo.FindByChangeRequest(ctx, changeRequestID)
}
