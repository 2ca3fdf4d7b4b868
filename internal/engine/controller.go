package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultRepairBudget is the maximum number of repair cycles after the
// initial attempt.
const DefaultRepairBudget = 3

// Status is the terminal state of a transformation run.
type Status string

const (
	StatusAccepted      Status = "accepted"
	StatusExhausted     Status = "exhausted"
	StatusUnrecoverable Status = "unrecoverable"
)

// Trail record states, one vocabulary for attempt and terminal records.
const (
	stateValidated     = "validated"
	stateAccepted      = "accepted"
	stateExhausted     = "exhausted"
	stateUnrecoverable = "unrecoverable"
)

// Validator checks a candidate bundle against the target model's structural
// rules. A non-nil error means the validator itself failed, not that the
// bundle is invalid; invalid bundles come back as violations.
type Validator interface {
	Validate(ctx context.Context, bundle *CandidateBundle) ([]Violation, error)
}

// Result is the outcome of one transformation run. The trail is always
// populated, whatever the status.
type Result struct {
	Status     Status
	Bundle     *CandidateBundle
	Violations []Violation
	Trail      *Trail
	BlockedBy  error
}

// Controller drives the resolve, execute, validate, repair cycle for one
// segment tree until the bundle is accepted, the repair budget is exhausted,
// or an unrecoverable condition blocks the run.
type Controller struct {
	resolver  *Resolver
	validator Validator
	budget    int
	required  map[string]bool
	clock     func() time.Time
	log       zerolog.Logger
}

// NewController wires a controller. budget <= 0 selects the default; a nil
// clock uses time.Now. Segments listed in required make the whole run fail
// when no rule can map them; all others degrade to a skip note.
func NewController(resolver *Resolver, validator Validator, budget int, required []string, log zerolog.Logger) *Controller {
	if budget <= 0 {
		budget = DefaultRepairBudget
	}
	req := make(map[string]bool, len(required))
	for _, id := range required {
		req[id] = true
	}
	return &Controller{
		resolver:  resolver,
		validator: validator,
		budget:    budget,
		required:  req,
		clock:     time.Now,
		log:       log,
	}
}

// WithClock overrides the trail clock, used by tests for stable timestamps.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Transform runs the full cycle for one tree. The run makes at most
// budget+1 attempts; the returned trail carries one record per attempt plus
// one terminal record. Context cancellation abandons the run between
// attempts.
func (c *Controller) Transform(ctx context.Context, tree *SegmentTree) (*Result, error) {
	trail := NewTrail(c.clock)
	var hint *RepairHint

	// Resource types from the previous attempt, keyed by signature, so a
	// repair hint only reaches the templates its violations implicate.
	resourceBySig := make(map[ShapeSignature]string)

	for attempt := 0; attempt <= c.budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("engine: run %s abandoned: %w", trail.RunID, err)
		}

		templates, blocked, err := c.resolveAll(ctx, tree, hint, resourceBySig, trail)
		if err != nil {
			return nil, err
		}
		if blocked != nil {
			trail.Append(AttemptRecord{State: stateUnrecoverable, Note: blocked.Error()})
			c.log.Warn().Str("run", trail.RunID).Err(blocked).Msg("transform unrecoverable")
			return &Result{Status: StatusUnrecoverable, Trail: trail, BlockedBy: blocked}, nil
		}

		bundle, violations := c.executeAll(templates, tree)

		vvs, err := c.validator.Validate(ctx, bundle)
		if err != nil {
			return nil, fmt.Errorf("engine: validate bundle %s: %w", bundle.ID, err)
		}
		violations = append(violations, vvs...)

		trail.Append(AttemptRecord{
			State:      stateValidated,
			BundleID:   bundle.ID,
			Violations: violations,
			Note:       templateNote(templates),
		})

		for sig, tpl := range indexBySignature(templates) {
			resourceBySig[sig] = tpl.Resource
		}

		if len(violations) == 0 {
			trail.Append(AttemptRecord{State: stateAccepted, BundleID: bundle.ID})
			c.log.Info().Str("run", trail.RunID).Int("attempts", attempt+1).Msg("bundle accepted")
			return &Result{Status: StatusAccepted, Bundle: bundle, Trail: trail}, nil
		}

		if attempt == c.budget {
			trail.Append(AttemptRecord{
				State:      stateExhausted,
				BundleID:   bundle.ID,
				Violations: violations,
				Note:       fmt.Sprintf("repair budget of %d exhausted", c.budget),
			})
			c.log.Warn().Str("run", trail.RunID).Int("violations", len(violations)).Msg("repair budget exhausted")
			return &Result{Status: StatusExhausted, Bundle: bundle, Violations: violations, Trail: trail}, nil
		}

		hint = &RepairHint{Attempt: attempt + 1, Violations: violations}
	}

	// Unreachable: the loop always returns from its final iteration.
	return nil, errors.New("engine: repair loop exited without a terminal state")
}

// resolveAll resolves one template per distinct segment shape, in first-
// occurrence order. A missing rule for a required segment blocks the run;
// for any other segment it is noted and skipped.
func (c *Controller) resolveAll(ctx context.Context, tree *SegmentTree, hint *RepairHint, resourceBySig map[ShapeSignature]string, trail *Trail) ([]*Template, error, error) {
	seen := make(map[ShapeSignature]bool)
	var templates []*Template

	for i := range tree.Segments {
		seg := &tree.Segments[i]
		sig := SignatureOf(seg)
		if seen[sig] {
			continue
		}
		seen[sig] = true

		tpl, err := c.resolver.Resolve(ctx, seg, tree, hintFor(hint, resourceBySig[sig]), trail)
		if err != nil {
			var nar *NoApplicableRuleError
			if errors.As(err, &nar) {
				if c.required[seg.ID] {
					return nil, fmt.Errorf("no applicable rule for required segment %s (%s)", seg.ID, sig), nil
				}
				c.log.Debug().Str("segment", seg.ID).Str("signature", string(sig)).Msg("no rule, segment skipped")
				continue
			}
			return nil, nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, nil, nil
}

// hintFor narrows a repair hint to the violations touching the given
// resource type, so unimplicated templates keep their version.
func hintFor(hint *RepairHint, resource string) *RepairHint {
	if hint == nil || resource == "" {
		return nil
	}
	var vs []Violation
	for _, v := range hint.Violations {
		if v.Resource == "" || v.Resource == resource {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		return nil
	}
	return &RepairHint{Attempt: hint.Attempt, Violations: vs}
}

// executeAll runs every template and merges the per-template bundles into one
// candidate, with a deterministic merged identifier.
func (c *Controller) executeAll(templates []*Template, tree *SegmentTree) (*CandidateBundle, []Violation) {
	merged := &CandidateBundle{}
	var violations []Violation

	h := fnv64a()
	h.write(tree.Digest())
	for _, tpl := range templates {
		b, vs := Execute(tpl, tree)
		merged.Merge(b)
		violations = append(violations, vs...)
		h.write(tpl.ID)
		h.write(strconv.Itoa(tpl.Version))
	}
	merged.ID = "cb-" + h.hex()
	return merged, violations
}

func indexBySignature(templates []*Template) map[ShapeSignature]*Template {
	out := make(map[ShapeSignature]*Template, len(templates))
	for _, tpl := range templates {
		out[tpl.Signature] = tpl
	}
	return out
}

func templateNote(templates []*Template) string {
	parts := make([]string, len(templates))
	for i, tpl := range templates {
		parts[i] = fmt.Sprintf("%s@v%d", tpl.ID, tpl.Version)
	}
	return "templates: " + strings.Join(parts, ", ")
}

// TransformBatch runs independent trees concurrently. Runs share the
// controller's template cache, so a shape resolved by one run is a cache hit
// for the rest. The first resolver or validator failure cancels the batch.
func (c *Controller) TransformBatch(ctx context.Context, trees []*SegmentTree) ([]*Result, error) {
	results := make([]*Result, len(trees))
	g, gctx := errgroup.WithContext(ctx)
	for i := range trees {
		i := i
		g.Go(func() error {
			res, err := c.Transform(gctx, trees[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
