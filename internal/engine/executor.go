package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Execute evaluates a resolved template against a segment tree. It is a pure
// function: the same template and tree always produce a byte-for-byte
// identical candidate bundle. No clock, randomness, or external call may
// influence the output.
//
// One resource is emitted per segment matching the template's signature
// segment identifier, in tree order. Step order fixes field insertion order.
// Problems found during execution (missing required values, failed
// coercions) are returned as Violations so the controller can repair them
// without consulting the external validator; a bad field never aborts the
// pass.
func Execute(tpl *Template, tree *SegmentTree) (*CandidateBundle, []Violation) {
	bundle := &CandidateBundle{ID: executionID(tpl, tree)}
	var violations []Violation

	segID := tpl.Signature.SegmentID()
	for i := range tree.Segments {
		seg := &tree.Segments[i]
		if seg.ID != segID || SignatureOf(seg) != tpl.Signature {
			continue
		}
		res, vs := executeSegment(tpl, seg, tree, bundle)
		bundle.Resources = append(bundle.Resources, res)
		violations = append(violations, vs...)
	}
	return bundle, violations
}

func executeSegment(tpl *Template, seg *Segment, tree *SegmentTree, bundle *CandidateBundle) (*Resource, []Violation) {
	res := NewResource(tpl.Resource)
	var violations []Violation

	for stepIdx := range tpl.Steps {
		step := &tpl.Steps[stepIdx]
		value, origin := sourceValue(step, seg, tree)

		if value == "" {
			if step.Default != "" {
				value, origin = step.Default, "default"
			} else if step.Required {
				violations = append(violations, Violation{
					Kind:     ViolationMissingRequired,
					Resource: tpl.Resource,
					Path:     step.TargetPath(),
					Detail:   fmt.Sprintf("source %s absent and no default declared", step.Source),
					Hint:     step.Target,
				})
				continue
			} else {
				continue
			}
		}

		if step.Coerce == "extension" {
			res.AddExtension("urn:legacy-field:"+step.Source, value)
			bundle.Provenance = append(bundle.Provenance, ProvenanceEntry{
				Resource:        tpl.Resource,
				Path:            "extension",
				TemplateID:      tpl.ID,
				TemplateVersion: tpl.Version,
				Step:            stepIdx,
				Source:          origin,
				SegmentID:       seg.ID,
				SegmentIndex:    seg.Index,
			})
			continue
		}

		coerced, targetPath, verr := coerce(step, seg, value)
		if verr != nil {
			verr.Resource = tpl.Resource
			violations = append(violations, *verr)
			continue
		}

		res.Set(targetPath, coerced)
		bundle.Provenance = append(bundle.Provenance, ProvenanceEntry{
			Resource:        tpl.Resource,
			Path:            targetPath,
			TemplateID:      tpl.ID,
			TemplateVersion: tpl.Version,
			Step:            stepIdx,
			Source:          origin,
			SegmentID:       seg.ID,
			SegmentIndex:    seg.Index,
		})
	}

	if res.ID() == "" {
		res.Set("id", fmt.Sprintf("%s-%d", strings.ToLower(tpl.Resource), seg.Index))
	}
	stampProvenanceIDs(bundle, res)
	return res, violations
}

// sourceValue resolves a step's source field against the executing segment,
// falling back to the first tree segment named in the path for cross-segment
// sources (e.g. a PID-3.1 subject reference on a DG1 template). An empty
// source means the step only carries a default.
func sourceValue(step *Step, seg *Segment, tree *SegmentTree) (string, string) {
	if step.Source == "" {
		return "", ""
	}
	if v := readFieldPath(step.Source, seg, tree); v != "" {
		return v, step.Source
	}
	if step.Alt != "" {
		if v := readFieldPath(step.Alt, seg, tree); v != "" {
			return v, step.Alt
		}
	}
	return "", step.Source
}

// readFieldPath reads a "SEG-pos.comp" path. The component part is optional.
func readFieldPath(path string, seg *Segment, tree *SegmentTree) string {
	dash := strings.IndexByte(path, '-')
	if dash < 0 {
		return ""
	}
	segID := path[:dash]
	rest := path[dash+1:]

	pos, comp := 0, 0
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		pos, _ = strconv.Atoi(rest[:dot])
		comp, _ = strconv.Atoi(rest[dot+1:])
	} else {
		pos, _ = strconv.Atoi(rest)
	}
	if pos == 0 {
		return ""
	}

	target := seg
	if segID != seg.ID {
		target = tree.FirstSegment(segID)
		if target == nil {
			return ""
		}
	}
	if comp > 0 {
		return target.Component(pos, comp)
	}
	return target.Field(pos)
}

// coerce applies a step's declared coercion. It returns the value to write,
// the (possibly rewritten) target path, and a Violation when the coercion
// cannot resolve.
func coerce(step *Step, seg *Segment, value string) (interface{}, string, *Violation) {
	targetPath := step.TargetPath()

	switch {
	case step.Coerce == "":
		return value, targetPath, nil

	case step.Coerce == "date":
		t, err := parseLegacyTimestamp(value)
		if err != nil {
			return nil, "", &Violation{
				Kind: ViolationTypeMismatch, Path: targetPath,
				Detail: fmt.Sprintf("cannot coerce %q to date", value),
			}
		}
		return t.Format("2006-01-02"), targetPath, nil

	case step.Coerce == "datetime":
		t, err := parseLegacyTimestamp(value)
		if err != nil {
			return nil, "", &Violation{
				Kind: ViolationTypeMismatch, Path: targetPath,
				Detail: fmt.Sprintf("cannot coerce %q to dateTime", value),
			}
		}
		return t.UTC().Format("2006-01-02T15:04:05Z"), targetPath, nil

	case step.Coerce == "auto":
		return coerceAutoValue(step, seg, value)

	case strings.HasPrefix(step.Coerce, "code:"):
		system := strings.TrimPrefix(step.Coerce, "code:")
		mapped, ok := lookupCode(system, value)
		if !ok {
			return nil, "", &Violation{
				Kind: ViolationInvalidCodeBinding, Path: targetPath,
				Detail: fmt.Sprintf("code %q has no binding in %s", value, system),
				Hint:   "drop coercion and emit the raw value",
			}
		}
		return mapped, targetPath, nil

	case strings.HasPrefix(step.Coerce, "reference:"):
		refType := strings.TrimPrefix(step.Coerce, "reference:")
		return refType + "/" + value, targetPath, nil

	default:
		return nil, "", &Violation{
			Kind: ViolationTypeMismatch, Path: targetPath,
			Detail: fmt.Sprintf("unknown coercion %q", step.Coerce),
		}
	}
}

// coerceAutoValue dispatches a value[x] target on the shape of the value:
// numeric becomes a valueQuantity (with the adjacent unit field when
// populated), anything else a valueString.
func coerceAutoValue(step *Step, seg *Segment, value string) (interface{}, string, *Violation) {
	base := strings.TrimSuffix(step.TargetPath(), "value[x]")
	if isNumeric(value) {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, "", &Violation{
				Kind: ViolationTypeMismatch, Path: step.TargetPath(),
				Detail: fmt.Sprintf("numeric-looking value %q does not parse", value),
			}
		}
		// Unit conventionally sits in the field after the value (OBX-6).
		if pos := sourcePosition(step.Source); pos > 0 {
			if unit := seg.Component(pos+1, 1); unit != "" {
				return map[string]interface{}{"value": f, "unit": unit},
					base + "valueQuantity", nil
			}
		}
		return map[string]interface{}{"value": f}, base + "valueQuantity", nil
	}
	return value, base + "valueString", nil
}

func sourcePosition(source string) int {
	dash := strings.IndexByte(source, '-')
	if dash < 0 {
		return 0
	}
	rest := source[dash+1:]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	pos, _ := strconv.Atoi(rest)
	return pos
}

// ---------------------------------------------------------------------------
// Code system lookups
// ---------------------------------------------------------------------------

var codeSystems = map[string]map[string]string{
	"gender": {
		"M": "male", "F": "female", "O": "other", "U": "unknown", "A": "other",
		"male": "male", "female": "female", "other": "other", "unknown": "unknown",
	},
	"encounter-class": {
		"I": "IMP", "O": "AMB", "E": "EMER",
		"IMP": "IMP", "AMB": "AMB", "EMER": "EMER",
	},
	"observation-status": {
		"F": "final", "P": "preliminary", "C": "corrected", "X": "cancelled",
		"final": "final", "preliminary": "preliminary", "corrected": "corrected",
		"cancelled": "cancelled", "unknown": "unknown",
	},
	"allergy-category": {
		"DA": "medication", "FA": "food", "EA": "environment",
		"medication": "medication", "food": "food", "environment": "environment",
	},
}

func lookupCode(system, code string) (string, bool) {
	table, ok := codeSystems[system]
	if !ok {
		return "", false
	}
	mapped, ok := table[code]
	return mapped, ok
}

// parseLegacyTimestamp parses HL7v2/CDA style timestamps (YYYYMMDD,
// YYYYMMDDHHMM, YYYYMMDDHHMMSS).
func parseLegacyTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
}

// stampProvenanceIDs back-fills the resource id on provenance rows emitted
// before the id became known.
func stampProvenanceIDs(bundle *CandidateBundle, res *Resource) {
	id := res.ID()
	for i := range bundle.Provenance {
		if bundle.Provenance[i].ResourceID == "" && bundle.Provenance[i].Resource == res.Type {
			bundle.Provenance[i].ResourceID = id
		}
	}
}

func executionID(tpl *Template, tree *SegmentTree) string {
	h := fnv64a()
	h.write(tpl.ID)
	h.write(strconv.Itoa(tpl.Version))
	h.write(tree.Digest())
	return "cb-" + h.hex()
}
