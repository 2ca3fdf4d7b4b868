package engine

import "fmt"

// ViolationKind classifies a structural defect found in a candidate bundle,
// either during execution or by the external validator.
type ViolationKind string

const (
	ViolationMissingRequired       ViolationKind = "missing-required-field"
	ViolationInvalidCardinality    ViolationKind = "invalid-cardinality"
	ViolationInvalidCodeBinding    ViolationKind = "invalid-code-binding"
	ViolationTypeMismatch          ViolationKind = "type-mismatch"
	ViolationUnresolvableReference ViolationKind = "unresolvable-reference"
)

// Violation is a typed diagnostic against one resource path. Hint optionally
// suggests a fix and is consumed by the repair cycle.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Resource string        `json:"resource"`
	Path     string        `json:"path"`
	Detail   string        `json:"detail,omitempty"`
	Hint     string        `json:"hint,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s.%s: %s", v.Kind, v.Resource, v.Path, v.Detail)
}
