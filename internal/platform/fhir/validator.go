package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[a-zA-Z0-9\-\.]+$`)

// knownResourceTypes lists the FHIR R4 resource types a conversion can emit.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Encounter": true, "Observation": true,
	"Condition": true, "AllergyIntolerance": true, "Coverage": true,
	"RelatedPerson": true, "MedicationStatement": true, "Immunization": true,
	"Procedure": true, "DiagnosticReport": true, "MessageHeader": true,
	"Basic": true, "Bundle": true, "OperationOutcome": true,
}

// requiredFields lists the elements a resource must carry to be accepted.
// Resource types absent from the map have no required elements beyond
// resourceType itself.
var requiredFields = map[string][]string{
	"Observation":         {"status", "code"},
	"Encounter":           {"status", "class"},
	"Condition":           {"subject"},
	"AllergyIntolerance":  {"patient"},
	"Coverage":            {"status", "beneficiary", "payor"},
	"RelatedPerson":       {"patient"},
	"MedicationStatement": {"status", "subject"},
	"Immunization":        {"status", "vaccineCode", "patient"},
	"Procedure":           {"status", "subject"},
	"DiagnosticReport":    {"status", "code"},
	"MessageHeader":       {"source"},
}

// statusValues maps resource types to their valid status codes per FHIR R4.
var statusValues = map[string][]string{
	"Encounter":           {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Condition":           {"active", "recurrence", "relapse", "inactive", "remission", "resolved"},
	"Observation":         {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"AllergyIntolerance":  {"active", "inactive", "resolved"},
	"Procedure":           {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"MedicationStatement": {"active", "completed", "entered-in-error", "intended", "stopped", "on-hold", "unknown", "not-taken"},
	"DiagnosticReport":    {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Coverage":            {"active", "cancelled", "draft", "entered-in-error"},
	"Immunization":        {"completed", "entered-in-error", "not-done"},
}

// singularElements are elements that must not repeat; an array at one of
// these paths is a cardinality violation.
var singularElements = map[string]bool{
	"id": true, "status": true, "subject": true, "patient": true,
	"class": true, "code": true, "beneficiary": true, "vaccineCode": true,
}

// ValidationResult holds the issues found while validating a bundle or a
// single resource.
type ValidationResult struct {
	Valid  bool
	Issues []OperationOutcomeIssue
}

// ToOperationOutcome converts a ValidationResult into an OperationOutcome.
func (vr *ValidationResult) ToOperationOutcome() *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        vr.Issues,
	}
}

func (vr *ValidationResult) add(issue OperationOutcomeIssue) {
	vr.Valid = false
	vr.Issues = append(vr.Issues, issue)
}

// Validator checks converted bundles against FHIR R4 structural rules.
type Validator struct{}

// NewValidator creates a new FHIR Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBundle validates a collection bundle: every entry resource must
// have a known type, its required elements, a valid status where one is
// bound, and references that are well-formed and resolvable within the
// bundle.
func (v *Validator) ValidateBundle(bundle *Bundle) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if bundle.Type != "collection" {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: fmt.Sprintf("bundle type must be 'collection'; got '%s'", bundle.Type),
			Expression:  []string{"Bundle.type"},
		})
		return result
	}
	if len(bundle.Entry) == 0 {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: "bundle must contain at least one entry",
			Expression:  []string{"Bundle.entry"},
		})
		return result
	}

	resources := make([]map[string]interface{}, 0, len(bundle.Entry))
	local := make(map[string]bool)
	for i, entry := range bundle.Entry {
		var m map[string]interface{}
		if err := json.Unmarshal(entry.Resource, &m); err != nil {
			result.add(OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeStructure,
				Diagnostics: fmt.Sprintf("entry[%d]: invalid JSON: %v", i, err),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d]", i)},
			})
			resources = append(resources, nil)
			continue
		}
		resources = append(resources, m)
		rt, _ := m["resourceType"].(string)
		id, _ := m["id"].(string)
		if rt != "" && id != "" {
			local[rt+"/"+id] = true
		}
	}

	for _, m := range resources {
		if m == nil {
			continue
		}
		v.validateResource(m, local, result)
	}
	return result
}

// ValidateResource validates one raw JSON resource in isolation; references
// are checked for format only.
func (v *Validator) ValidateResource(data json.RawMessage) *ValidationResult {
	result := &ValidationResult{Valid: true}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeStructure,
			Diagnostics: "invalid JSON: " + err.Error(),
		})
		return result
	}
	v.validateResource(m, nil, result)
	return result
}

func (v *Validator) validateResource(m map[string]interface{}, local map[string]bool, result *ValidationResult) {
	rt, ok := m["resourceType"].(string)
	if !ok || rt == "" {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: "resourceType is required",
			Expression:  []string{"resourceType"},
		})
		return
	}
	if !knownResourceTypes[rt] {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: fmt.Sprintf("unknown resourceType: %s", rt),
			Expression:  []string{"resourceType"},
		})
		return
	}

	v.validateRequired(rt, m, result)
	v.validateStatus(rt, m, result)
	v.validateCardinality(rt, m, result)
	v.walkReferences(m, rt, local, result)
}

func (v *Validator) validateRequired(rt string, m map[string]interface{}, result *ValidationResult) {
	for _, field := range requiredFields[rt] {
		val, ok := m[field]
		if !ok || isEmptyValue(val) {
			result.add(OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeRequired,
				Diagnostics: fmt.Sprintf("%s.%s is required", rt, field),
				Expression:  []string{rt + "." + field},
			})
		}
	}
}

func (v *Validator) validateStatus(rt string, m map[string]interface{}, result *ValidationResult) {
	status, ok := m["status"]
	if !ok {
		return
	}
	statusStr, ok := status.(string)
	if !ok {
		result.add(OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: fmt.Sprintf("%s.status must be a string", rt),
			Expression:  []string{rt + ".status"},
		})
		return
	}
	valid, bound := statusValues[rt]
	if !bound {
		return
	}
	for _, s := range valid {
		if s == statusStr {
			return
		}
	}
	result.add(OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        IssueTypeCodeInvalid,
		Diagnostics: fmt.Sprintf("invalid status '%s' for %s; valid values: %s", statusStr, rt, strings.Join(valid, ", ")),
		Expression:  []string{rt + ".status"},
	})
}

func (v *Validator) validateCardinality(rt string, m map[string]interface{}, result *ValidationResult) {
	for field := range singularElements {
		if _, isList := m[field].([]interface{}); isList {
			result.add(OperationOutcomeIssue{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvariant,
				Diagnostics: fmt.Sprintf("%s.%s has cardinality 0..1 but repeats", rt, field),
				Expression:  []string{rt + "." + field},
			})
		}
	}
}

// walkReferences recursively finds reference elements, checks their format,
// and when a local id set is supplied, verifies each reference resolves to a
// resource in the same bundle.
func (v *Validator) walkReferences(obj map[string]interface{}, path string, local map[string]bool, result *ValidationResult) {
	for key, val := range obj {
		currentPath := path + "." + key

		switch typedVal := val.(type) {
		case string:
			if key != "reference" {
				continue
			}
			if !ValidateReferenceFormat(typedVal) {
				result.add(OperationOutcomeIssue{
					Severity:    IssueSeverityError,
					Code:        IssueTypeValue,
					Diagnostics: fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", typedVal),
					Expression:  []string{currentPath},
				})
				continue
			}
			if local != nil && !local[typedVal] {
				result.add(OperationOutcomeIssue{
					Severity:    IssueSeverityError,
					Code:        IssueTypeNotFound,
					Diagnostics: fmt.Sprintf("reference '%s' does not resolve within the bundle", typedVal),
					Expression:  []string{currentPath},
				})
			}

		case map[string]interface{}:
			v.walkReferences(typedVal, currentPath, local, result)

		case []interface{}:
			for i, item := range typedVal {
				if m, ok := item.(map[string]interface{}); ok {
					v.walkReferences(m, fmt.Sprintf("%s[%d]", currentPath, i), local, result)
				}
			}
		}
	}
}

// ValidateReferenceFormat validates that a reference string matches
// "ResourceType/id".
func ValidateReferenceFormat(ref string) bool {
	return referencePattern.MatchString(ref)
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

// RequiredFields returns the required elements for a resource type, or nil.
func RequiredFields(resourceType string) []string {
	return requiredFields[resourceType]
}

// ValidStatusValues returns the valid status values for a resource type, or
// nil when no binding applies.
func ValidStatusValues(resourceType string) []string {
	return statusValues[resourceType]
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}
