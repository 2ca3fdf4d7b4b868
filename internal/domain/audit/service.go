package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirbridge/bridge/internal/engine"
)

// Service records completed transformation runs and serves them back for
// review.
type Service struct {
	runs RunRepository
	log  zerolog.Logger
}

// NewService creates a new audit service.
func NewService(runs RunRepository, log zerolog.Logger) *Service {
	return &Service{runs: runs, log: log}
}

// RecordRun persists the outcome of one transformation run. Persisting is
// best-effort with respect to the caller: the conversion result stands even
// when the audit write fails, but the failure is logged loudly.
func (s *Service) RecordRun(ctx context.Context, source, messageType string, result *engine.Result) error {
	trail, err := json.Marshal(result.Trail)
	if err != nil {
		return fmt.Errorf("audit: marshal trail %s: %w", result.Trail.RunID, err)
	}

	run := &Run{
		RunID:       result.Trail.RunID,
		Source:      source,
		MessageType: messageType,
		Status:      string(result.Status),
		Attempts:    attemptCount(result),
		Trail:       trail,
		CreatedAt:   time.Now().UTC(),
	}
	if result.Bundle != nil {
		run.BundleID = result.Bundle.ID
	}

	if err := s.runs.Create(ctx, run); err != nil {
		s.log.Error().Err(err).Str("run", run.RunID).Msg("audit: failed to persist run")
		return err
	}
	return nil
}

// GetRun returns one persisted run by its engine run identifier.
func (s *Service) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.runs.GetByRunID(ctx, runID)
}

// ListRuns returns persisted runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	return s.runs.List(ctx, limit, offset)
}

// attemptCount derives the number of attempts from the trail: one record per
// attempt plus the terminal record.
func attemptCount(result *engine.Result) int {
	if n := result.Trail.Len(); n > 0 {
		return n - 1
	}
	return 0
}
