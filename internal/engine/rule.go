package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FieldTransform is one field-level mapping declared by a rule: a source
// field path (e.g. "PID-5.1") to a target resource path (e.g.
// "Patient.name.family"), with an optional coercion, default, and alternate
// source the repair cycle may fall back to.
type FieldTransform struct {
	Source    string `yaml:"source"`
	AltSource string `yaml:"altSource,omitempty"`
	Target    string `yaml:"target"`
	Coerce    string `yaml:"coerce,omitempty"`
	Default   string `yaml:"default,omitempty"`
	Required  bool   `yaml:"required,omitempty"`
}

// MappingRule is an immutable retrieved record describing how one segment
// shape maps to a target resource. Rule identity is its signature.
type MappingRule struct {
	Segment    string           `yaml:"segment"`
	Positions  []int            `yaml:"positions,omitempty"` // minimal field-presence fingerprint
	Resource   string           `yaml:"resource"`
	Transforms []FieldTransform `yaml:"transforms"`
	Provenance string           `yaml:"provenance,omitempty"`
}

// Signature returns the source-shape signature this rule was authored for.
func (r *MappingRule) Signature() ShapeSignature {
	parts := make([]string, len(r.Positions))
	for i, p := range r.Positions {
		parts[i] = strconv.Itoa(p)
	}
	return ShapeSignature(fmt.Sprintf("%s/%s", r.Segment, strings.Join(parts, ".")))
}

// TransformFor returns the transform producing the given target path, or nil.
func (r *MappingRule) TransformFor(target string) *FieldTransform {
	for i := range r.Transforms {
		if r.Transforms[i].Target == target {
			return &r.Transforms[i]
		}
	}
	return nil
}

// RuleHit is one ranked retrieval result.
type RuleHit struct {
	Rule  MappingRule
	Score float64
}

// Retriever is the mapping-knowledge collaborator. It returns ranked rule
// snippets for a text query and never fails for "no match": an empty slice
// means nothing relevant was found.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]RuleHit, error)
}
