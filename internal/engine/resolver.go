package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// RepairHint carries the merged violations of a failed attempt back into
// resolution. Absent on the first attempt.
type RepairHint struct {
	Attempt    int
	Violations []Violation
}

// Resolver selects or builds the deterministic template for a segment shape.
// It consults the template cache first, then retrieval, then custom-segment
// inference, and finally the extension-preservation fallback, so unrecognized
// data is never dropped silently.
type Resolver struct {
	cache     *TemplateCache
	retriever Retriever
	inference *ZInference
	topK      int
	log       zerolog.Logger
}

// NewResolver wires a resolver over the shared cache and the retrieval
// collaborator.
func NewResolver(cache *TemplateCache, retriever Retriever, inference *ZInference, topK int, log zerolog.Logger) *Resolver {
	if topK <= 0 {
		topK = 3
	}
	return &Resolver{cache: cache, retriever: retriever, inference: inference, topK: topK, log: log}
}

// Resolve returns the template for seg. With no hint, a cache hit is returned
// unchanged; that is the fast, fully deterministic path for seen shapes.
// A present hint always rebuilds, bumping the version. Every built template
// is published to the cache before returning.
func (r *Resolver) Resolve(ctx context.Context, seg *Segment, tree *SegmentTree, hint *RepairHint, trail *Trail) (*Template, error) {
	sig := SignatureOf(seg)

	if cached := r.cache.Get(sig); cached != nil && hint == nil {
		return cached, nil
	}

	best, alternates, err := r.retrieve(ctx, seg)
	if err != nil {
		return nil, err
	}

	var tpl *Template
	switch {
	case best != nil:
		tpl = r.buildFromRule(sig, best, hint, alternates)
	case seg.Unclassified:
		tpl, err = r.resolveCustom(ctx, sig, seg, tree, trail, hint)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &NoApplicableRuleError{Signature: sig}
	}

	r.cache.Put(tpl)
	r.log.Debug().
		Str("signature", string(sig)).
		Str("template", tpl.ID).
		Int("version", tpl.Version).
		Msg("template resolved")
	return tpl, nil
}

// retrieve queries the mapping-knowledge collaborator and splits the hits
// into the winning rule for this segment and lower-ranked alternates, which
// are consulted only by repair.
func (r *Resolver) retrieve(ctx context.Context, seg *Segment) (*MappingRule, []MappingRule, error) {
	query := fmt.Sprintf("map %s segment fields to fhir resource", seg.ID)
	hits, err := r.retriever.Search(ctx, query, r.topK)
	if err != nil {
		return nil, nil, fmt.Errorf("resolver: retrieval for %s: %w", seg.ID, err)
	}

	var best *MappingRule
	var alternates []MappingRule
	for i := range hits {
		if hits[i].Rule.Segment != seg.ID {
			continue
		}
		if best == nil {
			rule := hits[i].Rule
			best = &rule
		} else {
			alternates = append(alternates, hits[i].Rule)
		}
	}
	return best, alternates, nil
}

// buildFromRule assembles a fresh template from the winning rule, or rebuilds
// the cached one under a repair hint.
func (r *Resolver) buildFromRule(sig ShapeSignature, rule *MappingRule, hint *RepairHint, alternates []MappingRule) *Template {
	if hint == nil {
		return NewTemplate(sig, rule.Resource, stepsFromRule(rule), rule.Provenance)
	}

	base := r.cache.Get(sig)
	if base == nil {
		base = NewTemplate(sig, rule.Resource, stepsFromRule(rule), rule.Provenance)
	}
	next := base.Clone()
	applyRepairs(next, hint, rule, alternates)
	return next
}

// resolveCustom handles unclassified segments: inference first, then the
// preserved-as-extension default so the data survives in the bundle. A repair
// hint means the previous proposal failed validation; the inference is
// demoted to the Basic fallback rather than retried, since the same inputs
// would reproduce the same proposal.
func (r *Resolver) resolveCustom(ctx context.Context, sig ShapeSignature, seg *Segment, tree *SegmentTree, trail *Trail, hint *RepairHint) (*Template, error) {
	if hint != nil {
		if base := r.cache.Get(sig); base != nil {
			if base.Resource == "Basic" {
				return base, nil
			}
			next := base.Clone()
			next.Resource = "Basic"
			next.Steps = preservationSteps(seg)
			next.Provenance = append(next.Provenance, "inference demoted to extension preservation after failed validation")
			return next, nil
		}
	}

	if r.inference != nil {
		inf, err := r.inference.Infer(ctx, seg, tree)
		if err != nil {
			return nil, err
		}
		if inf != nil {
			if trail != nil {
				trail.RecordInference(seg, inf, true)
			}
			return NewTemplate(sig, inf.Resource, preservationSteps(seg), "z-inference: "+inf.Rationale), nil
		}
	}
	return NewTemplate(sig, "Basic", preservationSteps(seg), "unmapped segment preserved as extension"), nil
}

// preservationSteps emits one extension step per populated field, so the
// segment's content is carried verbatim into the candidate bundle.
func preservationSteps(seg *Segment) []Step {
	positions := seg.PopulatedPositions()
	steps := make([]Step, 0, len(positions))
	for _, pos := range positions {
		steps = append(steps, Step{
			Source: seg.ID + "-" + strconv.Itoa(pos),
			Target: "extension",
			Coerce: "extension",
		})
	}
	return steps
}

func stepsFromRule(rule *MappingRule) []Step {
	steps := make([]Step, 0, len(rule.Transforms))
	for _, tr := range rule.Transforms {
		steps = append(steps, Step{
			Source:   tr.Source,
			Alt:      tr.AltSource,
			Target:   tr.Target,
			Coerce:   tr.Coerce,
			Default:  tr.Default,
			Required: tr.Required,
		})
	}
	return steps
}

// applyRepairs adjusts, adds, or removes the steps that the hint's violations
// map to. Repairs only draw on what the rules offer (alternate sources,
// declared defaults, additional transforms), so a shape the rule base cannot
// satisfy keeps failing and exhausts the budget instead of inventing data.
func applyRepairs(tpl *Template, hint *RepairHint, rule *MappingRule, alternates []MappingRule) {
	for _, v := range hint.Violations {
		if v.Resource != "" && v.Resource != tpl.Resource {
			continue
		}
		idx := stepForElement(tpl, v.Path)

		switch v.Kind {
		case ViolationMissingRequired:
			if idx < 0 {
				if tr := findTransform(v.Path, tpl.Resource, rule, alternates); tr != nil {
					steps := stepsFromRule(&MappingRule{Transforms: []FieldTransform{*tr}})
					tpl.Steps = append(tpl.Steps, steps[0])
				}
				continue
			}
			step := &tpl.Steps[idx]
			if tr := findAlternateTransform(v.Path, tpl.Resource, step, alternates); tr != nil {
				step.Source = tr.Source
				step.Alt = tr.AltSource
				step.Default = tr.Default
			}

		case ViolationInvalidCodeBinding, ViolationTypeMismatch:
			if idx >= 0 {
				tpl.Steps[idx].Coerce = ""
			}

		case ViolationInvalidCardinality:
			removeDuplicateSteps(tpl, v.Path)

		case ViolationUnresolvableReference:
			if idx >= 0 {
				tpl.Steps = append(tpl.Steps[:idx], tpl.Steps[idx+1:]...)
			}
		}
	}
}

// stepForElement finds the step producing an element path. Violations report
// element roots ("subject") while steps may target a child ("subject.
// reference"), so a prefix match counts.
func stepForElement(tpl *Template, path string) int {
	if idx := tpl.StepFor(path); idx >= 0 {
		return idx
	}
	for i := range tpl.Steps {
		if strings.HasPrefix(tpl.Steps[i].TargetPath(), path+".") {
			return i
		}
	}
	return -1
}

// findTransform looks for a transform producing path in the winning rule
// first, then the alternates.
func findTransform(path, resource string, rule *MappingRule, alternates []MappingRule) *FieldTransform {
	if tr := transformForElement(rule, resource, path); tr != nil {
		return tr
	}
	for i := range alternates {
		if tr := transformForElement(&alternates[i], resource, path); tr != nil {
			return tr
		}
	}
	return nil
}

// findAlternateTransform returns a transform for path whose source differs
// from the current step's, or nil when the rule base has nothing new to try.
func findAlternateTransform(path, resource string, step *Step, alternates []MappingRule) *FieldTransform {
	for i := range alternates {
		tr := transformForElement(&alternates[i], resource, path)
		if tr != nil && (tr.Source != step.Source || tr.Default != step.Default) {
			return tr
		}
	}
	return nil
}

// transformForElement matches a transform by exact target or by element root,
// so "subject" finds a transform targeting "Condition.subject.reference".
func transformForElement(rule *MappingRule, resource, path string) *FieldTransform {
	full := resource + "." + path
	for i := range rule.Transforms {
		target := rule.Transforms[i].Target
		if target == full || target == path ||
			strings.HasPrefix(target, full+".") || strings.HasPrefix(target, path+".") {
			return &rule.Transforms[i]
		}
	}
	return nil
}

func removeDuplicateSteps(tpl *Template, path string) {
	seen := false
	out := tpl.Steps[:0]
	for _, s := range tpl.Steps {
		if s.TargetPath() == path || s.Target == path {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, s)
	}
	tpl.Steps = out
}
