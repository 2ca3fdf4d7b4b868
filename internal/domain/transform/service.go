package transform

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fhirbridge/bridge/internal/domain/audit"
	"github.com/fhirbridge/bridge/internal/engine"
	"github.com/fhirbridge/bridge/internal/platform/ccda"
	"github.com/fhirbridge/bridge/internal/platform/hl7v2"
)

// Service runs conversions end to end: parse the legacy input, drive the
// engine, and record the audit trail. It is the single entry point shared by
// the HTTP handler, the MLLP listener, and the CLI.
type Service struct {
	controller *engine.Controller
	audit      *audit.Service
	ccda       *ccda.Parser
	log        zerolog.Logger
}

// NewService creates a transform service.
func NewService(controller *engine.Controller, auditSvc *audit.Service, log zerolog.Logger) *Service {
	return &Service{
		controller: controller,
		audit:      auditSvc,
		ccda:       ccda.NewParser(),
		log:        log,
	}
}

// TransformHL7 converts one raw HL7v2 message. Parse failures wrap
// engine.ErrMalformedInput so callers can distinguish bad input from engine
// failure.
func (s *Service) TransformHL7(ctx context.Context, raw []byte) (*engine.Result, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transform: %w: %v", engine.ErrMalformedInput, err)
	}
	tree, err := engine.FromHL7(msg)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, tree)
}

// TransformCCDA converts one C-CDA XML document.
func (s *Service) TransformCCDA(ctx context.Context, raw []byte) (*engine.Result, error) {
	doc, err := s.ccda.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transform: %w: %v", engine.ErrMalformedInput, err)
	}
	tree, err := engine.FromCCDA(doc)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, tree)
}

// TransformHL7Batch converts independent HL7v2 messages concurrently. Any
// parse failure fails the whole batch before conversion starts.
func (s *Service) TransformHL7Batch(ctx context.Context, raws [][]byte) ([]*engine.Result, error) {
	trees := make([]*engine.SegmentTree, 0, len(raws))
	for i, raw := range raws {
		msg, err := hl7v2.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("transform: message %d: %w: %v", i, engine.ErrMalformedInput, err)
		}
		tree, err := engine.FromHL7(msg)
		if err != nil {
			return nil, fmt.Errorf("transform: message %d: %w", i, err)
		}
		trees = append(trees, tree)
	}

	results, err := s.controller.TransformBatch(ctx, trees)
	if err != nil {
		return nil, err
	}
	for i, res := range results {
		s.record(ctx, trees[i], res)
	}
	return results, nil
}

// MLLPHandler returns the handler the MLLP listener dispatches messages to:
// convert, record, and ACK with AA when the bundle was accepted, AE
// otherwise.
func (s *Service) MLLPHandler() hl7v2.MessageHandler {
	return func(msg *hl7v2.Message) *hl7v2.Message {
		tree, err := engine.FromHL7(msg)
		if err != nil {
			s.log.Warn().Err(err).Str("control_id", msg.ControlID).Msg("mllp message rejected")
			return hl7v2.GenerateACK(msg, "AE")
		}

		result, err := s.run(context.Background(), tree)
		if err != nil {
			s.log.Error().Err(err).Str("control_id", msg.ControlID).Msg("mllp conversion failed")
			return hl7v2.GenerateACK(msg, "AE")
		}
		if result.Status != engine.StatusAccepted {
			return hl7v2.GenerateACK(msg, "AE")
		}
		return hl7v2.GenerateACK(msg, "AA")
	}
}

func (s *Service) run(ctx context.Context, tree *engine.SegmentTree) (*engine.Result, error) {
	result, err := s.controller.Transform(ctx, tree)
	if err != nil {
		return nil, err
	}
	s.record(ctx, tree, result)
	return result, nil
}

// record persists the run. The conversion result stands even when the audit
// write fails; the audit service logs the failure.
func (s *Service) record(ctx context.Context, tree *engine.SegmentTree, result *engine.Result) {
	if s.audit == nil {
		return
	}
	_ = s.audit.RecordRun(ctx, tree.Source, tree.MessageType, result)
}
