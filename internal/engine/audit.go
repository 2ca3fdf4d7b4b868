package engine

import (
	"time"

	"github.com/google/uuid"
)

// AttemptRecord is one element of the audit trail: what was tried, with which
// template version, and what came back. Records are append-only.
type AttemptRecord struct {
	Ordinal         int         `json:"ordinal"`
	State           string      `json:"state"`
	TemplateID      string      `json:"templateId,omitempty"`
	TemplateVersion int         `json:"templateVersion,omitempty"`
	BundleID        string      `json:"bundleId,omitempty"`
	Violations      []Violation `json:"violations,omitempty"`
	Note            string      `json:"note,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Trail is the immutable-after-run audit log of one self-correction run. It
// is the authoritative explanation of why the terminal state was reached and
// is returned to the caller for every outcome, including Accepted, because
// compliance review needs the trail for successful runs too.
type Trail struct {
	RunID      string          `json:"runId"`
	Records    []AttemptRecord `json:"records"`
	Inferences []InferenceNote `json:"inferences,omitempty"`

	clock func() time.Time
}

// InferenceNote preserves a custom-segment inference proposal, accepted or
// not.
type InferenceNote struct {
	SegmentID  string    `json:"segment"`
	Resource   string    `json:"resource"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Accepted   bool      `json:"accepted"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTrail starts a trail for one run. A nil clock uses time.Now.
func NewTrail(clock func() time.Time) *Trail {
	if clock == nil {
		clock = time.Now
	}
	return &Trail{RunID: uuid.NewString(), clock: clock}
}

// Append adds a record, assigning its ordinal and timestamp.
func (t *Trail) Append(rec AttemptRecord) {
	rec.Ordinal = len(t.Records)
	rec.Timestamp = t.clock()
	t.Records = append(t.Records, rec)
}

// RecordInference logs a non-nil inference result for an unclassified
// segment. Every proposal is recorded whether or not it is later accepted,
// so unmapped-but-inferred segments stay inspectable.
func (t *Trail) RecordInference(seg *Segment, inf *InferenceResult, accepted bool) {
	t.Inferences = append(t.Inferences, InferenceNote{
		SegmentID:  seg.ID,
		Resource:   inf.Resource,
		Confidence: inf.Confidence,
		Rationale:  inf.Rationale,
		Accepted:   accepted,
		Timestamp:  t.clock(),
	})
}

// Len returns the number of records.
func (t *Trail) Len() int { return len(t.Records) }
