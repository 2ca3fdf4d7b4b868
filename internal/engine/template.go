package engine

import (
	"fmt"
	"strings"
)

// Step is one field-transform of a template: read the source field, coerce,
// and write the target path. Steps run in declared order; that order fixes
// both resource order in the bundle and field insertion order within a
// resource.
type Step struct {
	Source   string `json:"source"`
	Alt      string `json:"alt,omitempty"`
	Target   string `json:"target"`
	Coerce   string `json:"coerce,omitempty"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// TargetPath returns the target path with the leading resource type stripped,
// e.g. "Patient.name.family" -> "name.family".
func (s *Step) TargetPath() string {
	if i := strings.IndexByte(s.Target, '.'); i >= 0 {
		return s.Target[i+1:]
	}
	return s.Target
}

// Template is the deterministic executable unit resolved for one source-shape
// signature. The ID is a pure function of the signature, so resolving the
// same shape twice yields the same ID; Version increments on every repair.
type Template struct {
	ID         string
	Signature  ShapeSignature
	Resource   string
	Steps      []Step
	Version    int
	Provenance []string
}

// NewTemplate builds a version-1 template for a signature from an ordered
// step sequence.
func NewTemplate(sig ShapeSignature, resource string, steps []Step, provenance ...string) *Template {
	return &Template{
		ID:         templateID(sig),
		Signature:  sig,
		Resource:   resource,
		Steps:      steps,
		Version:    1,
		Provenance: provenance,
	}
}

// Clone returns a deep copy with the version counter incremented; repairs
// always operate on the copy so published templates stay immutable.
func (t *Template) Clone() *Template {
	steps := make([]Step, len(t.Steps))
	copy(steps, t.Steps)
	prov := make([]string, len(t.Provenance))
	copy(prov, t.Provenance)
	return &Template{
		ID:         t.ID,
		Signature:  t.Signature,
		Resource:   t.Resource,
		Steps:      steps,
		Version:    t.Version + 1,
		Provenance: prov,
	}
}

// StepFor returns the index of the step producing the given target path
// (resource-qualified or bare), or -1.
func (t *Template) StepFor(path string) int {
	for i := range t.Steps {
		if t.Steps[i].Target == path || t.Steps[i].TargetPath() == path {
			return i
		}
	}
	return -1
}

func templateID(sig ShapeSignature) string {
	h := fnv64a()
	h.write(string(sig))
	return fmt.Sprintf("tpl-%s", h.hex())
}
