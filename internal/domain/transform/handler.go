package transform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirbridge/bridge/internal/domain/audit"
	"github.com/fhirbridge/bridge/internal/engine"
	"github.com/fhirbridge/bridge/internal/platform/fhir"
)

// Handler exposes the conversion pipeline over HTTP.
type Handler struct {
	svc   *Service
	audit *audit.Service
}

// NewHandler creates a transform handler.
func NewHandler(svc *Service, auditSvc *audit.Service) *Handler {
	return &Handler{svc: svc, audit: auditSvc}
}

// RegisterRoutes registers conversion and audit routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/transform/hl7v2", h.TransformHL7)
	api.POST("/transform/ccda", h.TransformCCDA)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
}

// Response is the conversion result envelope returned to API clients. The
// trail is always included, whatever the outcome.
type Response struct {
	Status     string             `json:"status"`
	Bundle     *fhir.Bundle       `json:"bundle,omitempty"`
	Violations []engine.Violation `json:"violations,omitempty"`
	Trail      *engine.Trail      `json:"trail"`
}

type convertFunc func(ctx context.Context, raw []byte) (*engine.Result, error)

// TransformHL7 converts a raw HL7v2 message posted as the request body.
func (h *Handler) TransformHL7(c echo.Context) error {
	return h.transform(c, h.svc.TransformHL7)
}

// TransformCCDA converts a C-CDA XML document posted as the request body.
func (h *Handler) TransformCCDA(c echo.Context) error {
	return h.transform(c, h.svc.TransformCCDA)
}

func (h *Handler) transform(c echo.Context, convert convertFunc) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", "cannot read request body"))
	}
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", "request body is empty"))
	}

	result, err := convert(c.Request().Context(), raw)
	if err != nil {
		if errors.Is(err, engine.ErrMalformedInput) {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}

	resp := &Response{
		Status:     string(result.Status),
		Violations: result.Violations,
		Trail:      result.Trail,
	}
	if result.Bundle != nil {
		now := time.Now().UTC()
		resp.Bundle = result.Bundle.ToFHIR(&now)
	}

	switch result.Status {
	case engine.StatusAccepted:
		return c.JSON(http.StatusOK, resp)
	default:
		// Exhausted and unrecoverable runs still return the trail and the
		// best candidate so the caller can inspect what failed.
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
}

// ListRuns returns persisted runs, newest first.
func (h *Handler) ListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	runs, total, err := h.audit.ListRuns(c.Request().Context(), limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": total,
		"runs":  runs,
	})
}

// GetRun returns one persisted run by its engine run identifier.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.audit.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("run not found: "+c.Param("id")))
	}
	return c.JSON(http.StatusOK, run)
}
