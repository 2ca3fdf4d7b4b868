package engine

import (
	"errors"
	"fmt"
)

// ErrMalformedInput is returned by parser collaborators for structurally
// invalid input. The engine never attempts partial repair of parse failures.
var ErrMalformedInput = errors.New("engine: malformed input")

// ErrNoApplicableRule signals that retrieval returned nothing for a segment
// and inference could not propose a mapping above the confidence threshold.
var ErrNoApplicableRule = errors.New("engine: no applicable mapping rule")

// NoApplicableRuleError carries the signature that could not be resolved.
// It unwraps to ErrNoApplicableRule.
type NoApplicableRuleError struct {
	Signature ShapeSignature
}

func (e *NoApplicableRuleError) Error() string {
	return fmt.Sprintf("engine: no applicable mapping rule for %s", e.Signature)
}

func (e *NoApplicableRuleError) Unwrap() error { return ErrNoApplicableRule }
