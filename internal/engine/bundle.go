package engine

import (
	"encoding/json"
	"time"

	"github.com/fhirbridge/bridge/internal/platform/fhir"
)

// ProvenanceEntry links one emitted field back to the template step and
// source field that produced it.
type ProvenanceEntry struct {
	Resource        string `json:"resource"`
	ResourceID      string `json:"resourceId,omitempty"`
	Path            string `json:"path"`
	TemplateID      string `json:"templateId"`
	TemplateVersion int    `json:"templateVersion"`
	Step            int    `json:"step"`
	Source          string `json:"source"` // source field path, or "default"
	SegmentID       string `json:"segment"`
	SegmentIndex    int    `json:"segmentIndex"`
}

// CandidateBundle is the output of one execution pass: an ordered resource
// collection plus the provenance trail for every emitted field. A bundle is
// immutable once produced; a new pass always produces a new bundle.
type CandidateBundle struct {
	ID         string
	Resources  []*Resource
	Provenance []ProvenanceEntry
}

// Merge appends another bundle's resources and provenance, preserving order.
// Used by the controller to combine per-template execution passes.
func (b *CandidateBundle) Merge(other *CandidateBundle) {
	b.Resources = append(b.Resources, other.Resources...)
	b.Provenance = append(b.Provenance, other.Provenance...)
}

// MarshalJSON renders the bundle as a FHIR collection Bundle with entries in
// execution order. No timestamp is included: clock input is the caller's
// responsibility, never the engine's.
func (b *CandidateBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.toFHIR(nil))
}

// ToFHIR converts the candidate into a FHIR Bundle for the validator or the
// response body. A non-nil generated timestamp is supplied by the caller.
func (b *CandidateBundle) ToFHIR(generated *time.Time) *fhir.Bundle {
	return b.toFHIR(generated)
}

func (b *CandidateBundle) toFHIR(generated *time.Time) *fhir.Bundle {
	entries := make([]fhir.BundleEntry, 0, len(b.Resources))
	for _, res := range b.Resources {
		raw, err := res.MarshalJSON()
		if err != nil {
			continue
		}
		entry := fhir.BundleEntry{Resource: raw}
		if id := res.ID(); id != "" {
			entry.FullURL = res.Type + "/" + id
		}
		entries = append(entries, entry)
	}
	return &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           b.ID,
		Type:         "collection",
		Timestamp:    generated,
		Entry:        entries,
	}
}
