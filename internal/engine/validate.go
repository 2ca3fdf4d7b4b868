package engine

import (
	"context"
	"strings"

	"github.com/fhirbridge/bridge/internal/platform/fhir"
)

// BundleValidator adapts the FHIR structural validator to the engine's
// Validator interface, translating operation-outcome issues into the
// violation taxonomy the repair cycle acts on.
type BundleValidator struct {
	v *fhir.Validator
}

func NewBundleValidator() *BundleValidator {
	return &BundleValidator{v: fhir.NewValidator()}
}

func (b *BundleValidator) Validate(_ context.Context, bundle *CandidateBundle) ([]Violation, error) {
	result := b.v.ValidateBundle(bundle.ToFHIR(nil))
	if result.Valid {
		return nil, nil
	}

	violations := make([]Violation, 0, len(result.Issues))
	for _, issue := range result.Issues {
		violations = append(violations, violationFromIssue(issue))
	}
	return violations, nil
}

func violationFromIssue(issue fhir.OperationOutcomeIssue) Violation {
	v := Violation{Detail: issue.Diagnostics}

	if len(issue.Expression) > 0 {
		v.Resource, v.Path = splitExpression(issue.Expression[0])
	}

	switch issue.Code {
	case fhir.IssueTypeRequired:
		v.Kind = ViolationMissingRequired
	case fhir.IssueTypeCodeInvalid:
		v.Kind = ViolationInvalidCodeBinding
	case fhir.IssueTypeNotFound:
		v.Kind = ViolationUnresolvableReference
	case fhir.IssueTypeInvariant:
		v.Kind = ViolationInvalidCardinality
	default:
		v.Kind = ViolationTypeMismatch
	}
	return v
}

// splitExpression splits "Observation.subject.reference" into the resource
// type and the element path. Expressions without a resource prefix map to a
// bare path.
func splitExpression(expr string) (resource, path string) {
	i := strings.IndexByte(expr, '.')
	if i < 0 {
		return "", expr
	}
	head := expr[:i]
	if head != "" && head[0] >= 'A' && head[0] <= 'Z' && fhir.IsKnownResourceType(head) {
		return head, expr[i+1:]
	}
	return "", expr
}
