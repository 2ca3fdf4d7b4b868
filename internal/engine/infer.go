package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// DefaultInferenceThreshold is the confidence below which an inference is
// discarded and the extension-preservation fallback applies instead.
const DefaultInferenceThreshold = 0.5

// customSegmentPurposes maps well-known custom segment identifiers to the
// purpose conventionally encoded in their name. The table feeds the lexical
// half of the confidence score.
var customSegmentPurposes = map[string]string{
	"ZIN": "insurance coverage information",
	"ZPD": "extended patient demographics",
	"ZPV": "extended visit encounter information",
	"ZDG": "extended diagnosis condition information",
	"ZPM": "patient matching identity",
	"ZEV": "extended event information",
	"ZRX": "extended pharmacy prescription medication",
	"ZLB": "extended laboratory observation",
	"ZAL": "extended allergy information",
	"ZCM": "custom comments notes",
}

// resourceKeywords associates target resource types with the vocabulary a
// custom identifier or its purpose is matched against.
var resourceKeywords = map[string][]string{
	"Coverage":            {"insurance", "coverage", "payor", "plan", "policy"},
	"Patient":             {"patient", "demographics", "identity", "person"},
	"Encounter":           {"visit", "encounter", "admission", "stay"},
	"Condition":           {"diagnosis", "condition", "problem"},
	"MedicationStatement": {"pharmacy", "prescription", "medication", "drug"},
	"Observation":         {"laboratory", "observation", "result", "lab"},
	"AllergyIntolerance":  {"allergy", "allergen", "intolerance"},
	"Basic":               {"comments", "notes", "annotation"},
}

// InferenceResult is a proposed mapping for an unclassified segment.
type InferenceResult struct {
	Resource   string  `json:"resource"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// ZInference proposes target resource types for segments whose identifier
// matches the custom prefix and therefore has no authored mapping rule.
type ZInference struct {
	retriever Retriever
	topK      int
	threshold float64
}

// NewZInference builds an inference engine over the given retriever. A
// threshold of 0 selects DefaultInferenceThreshold.
func NewZInference(retriever Retriever, topK int, threshold float64) *ZInference {
	if threshold <= 0 {
		threshold = DefaultInferenceThreshold
	}
	if topK <= 0 {
		topK = 3
	}
	return &ZInference{retriever: retriever, topK: topK, threshold: threshold}
}

// Threshold returns the configured confidence cut-off.
func (z *ZInference) Threshold() float64 { return z.threshold }

// Infer proposes a mapping for an unclassified segment using its identifier
// token, the shapes of its populated field values (never the raw content),
// and sibling segment context. It returns nil when the best candidate falls
// below the confidence threshold.
func (z *ZInference) Infer(ctx context.Context, seg *Segment, tree *SegmentTree) (*InferenceResult, error) {
	query := z.buildQuery(seg, tree)

	var retrievalScore float64
	hits, err := z.retriever.Search(ctx, query, z.topK)
	if err != nil {
		return nil, fmt.Errorf("inference: retrieval for %s: %w", seg.ID, err)
	}
	if len(hits) > 0 {
		retrievalScore = hits[0].Score
	}

	resource, lexical := z.lexicalCandidate(seg.ID)
	if resource == "" && len(hits) > 0 {
		resource = hits[0].Rule.Resource
	}
	if resource == "" {
		return nil, nil
	}

	confidence := 0.6*lexical + 0.4*retrievalScore
	if confidence > 1 {
		confidence = 1
	}
	if confidence < z.threshold {
		return nil, nil
	}

	rationale := fmt.Sprintf("identifier %s resembles %s (lexical %.2f, retrieval %.2f); query %q",
		seg.ID, resource, lexical, retrievalScore, query)

	return &InferenceResult{Resource: resource, Confidence: confidence, Rationale: rationale}, nil
}

// buildQuery synthesizes the retrieval query from the identifier, its
// conventional purpose, field value shapes, and sibling segment identifiers.
func (z *ZInference) buildQuery(seg *Segment, tree *SegmentTree) string {
	var b strings.Builder
	b.WriteString("map custom segment ")
	b.WriteString(seg.ID)

	if purpose, ok := customSegmentPurposes[seg.ID]; ok {
		b.WriteByte(' ')
		b.WriteString(purpose)
	}

	for _, pos := range seg.PopulatedPositions() {
		b.WriteByte(' ')
		b.WriteString(valueShape(seg.Field(pos)))
	}

	seen := map[string]bool{seg.ID: true}
	for _, sib := range tree.Segments {
		if !seen[sib.ID] {
			seen[sib.ID] = true
			b.WriteString(" context ")
			b.WriteString(sib.ID)
		}
	}
	return b.String()
}

// lexicalCandidate scores the identifier (and its known purpose) against the
// resource keyword table and returns the best resource with its similarity.
func (z *ZInference) lexicalCandidate(id string) (string, float64) {
	terms := map[string]bool{}
	if purpose, ok := customSegmentPurposes[id]; ok {
		for _, w := range tokenize(purpose) {
			terms[w] = true
		}
	}
	suffix := strings.ToLower(strings.TrimPrefix(id, CustomSegmentPrefix))

	bestResource := ""
	bestScore := 0.0
	// Deterministic iteration: resources checked in sorted order.
	for _, resource := range sortedKeys(resourceKeywords) {
		var score float64
		for _, kw := range resourceKeywords[resource] {
			if terms[kw] {
				score += 0.5
			}
			if suffix != "" && strings.HasPrefix(kw, suffix) {
				score += 0.5
			}
		}
		if score > 1 {
			score = 1
		}
		if score > bestScore {
			bestScore = score
			bestResource = resource
		}
	}
	return bestResource, bestScore
}

// valueShape classifies a field value without exposing its content.
func valueShape(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "empty"
	case isAllDigits(v) && (len(v) == 8 || len(v) >= 12):
		return "date"
	case isNumeric(v):
		return "numeric"
	case strings.Contains(v, "^"):
		return "coded"
	default:
		return "text"
	}
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

func isNumeric(s string) bool {
	dot := false
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
		case r == '.' && !dot && i > 0:
			dot = true
		case (r == '-' || r == '+') && i == 0:
		default:
			return false
		}
	}
	return len(s) > 0
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
