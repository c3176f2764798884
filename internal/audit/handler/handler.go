// Package handler exposes the audit trail over HTTP under /api/audit.
//
// Every route requires a bearer token; the token's tenant scopes the request.
// A tenantId naming another tenant is refused with 403, never answered with
// an empty result.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"carenotes/internal/audit/models"
	"carenotes/internal/compliance"
	"carenotes/internal/platform/metrics"
	"carenotes/internal/platform/middleware"
	"carenotes/internal/tenancy"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/httputil"
	"carenotes/pkg/requestcontext"
)

const requestTimeout = 60 * time.Second

// Service defines the audit operations the handler exposes.
type Service interface {
	Record(ctx context.Context, tc tenancy.Context, in models.Input) (*models.Event, error)
	Query(ctx context.Context, tc tenancy.Context, filter models.Filter) (*models.Page, error)
	Export(ctx context.Context, tc tenancy.Context, filter models.Filter, format models.ExportFormat) (*models.Artifact, error)
	Statistics(ctx context.Context, tc tenancy.Context, tenantID id.TenantID, r models.TimeRange) (*models.Statistics, error)
}

// ReportGenerator builds compliance reports.
type ReportGenerator interface {
	Generate(ctx context.Context, tc tenancy.Context, tenantID id.TenantID, framework compliance.Framework, r models.TimeRange) (*compliance.Report, error)
}

// Handler wires audit endpoints to the audit service.
type Handler struct {
	audit        Service
	reports      ReportGenerator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New constructs an audit handler with its dependencies.
func New(
	audit Service,
	reports ReportGenerator,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		audit:        audit,
		reports:      reports,
		logger:       logger,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the audit routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/audit", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireAuth(h.jwtValidator, h.logger, h.metrics))
		r.Post("/events", h.HandleRecord)
		r.Get("/events", h.HandleQuery)
		r.Post("/events/search", h.HandleSearch)
		r.Get("/events/export", h.HandleExport)
		r.Get("/statistics", h.HandleStatistics)
		r.Get("/compliance/reports", h.HandleComplianceReport)
	})
}

// identity returns the caller bound by RequireAuth. Its absence means the
// route was mounted without auth, which is a wiring bug.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (tenancy.Context, bool) {
	tc, ok := requestcontext.Tenancy(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "tenancy missing from context despite auth middleware",
			"request_id", middleware.GetRequestID(r.Context()),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return tenancy.Context{}, false
	}
	return tc, true
}

// HandleRecord handles POST /api/audit/events.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[RecordEventRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	in := req.Input()
	if in.Origin == nil {
		if ip, agent := requestcontext.ClientIP(ctx), requestcontext.UserAgent(ctx); ip != "" || agent != "" {
			in.Origin = &models.Origin{IP: ip, Agent: agent}
		}
	}

	event, err := h.audit.Record(ctx, tc, in)
	if err != nil {
		h.writeError(ctx, w, "record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, event)
}

// HandleQuery handles GET /api/audit/events.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.query(w, r, tc, filter)
}

// HandleSearch handles POST /api/audit/events/search.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SearchRequest](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}
	h.query(w, r, tc, req.Filter())
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request, tc tenancy.Context, filter models.Filter) {
	if filter.TenantID == "" {
		filter.TenantID = tc.TenantID()
	}
	page, err := h.audit.Query(r.Context(), tc, filter)
	if err != nil {
		h.writeError(r.Context(), w, "query", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toQueryResponse(page))
}

// HandleExport handles GET /api/audit/events/export?format=csv|json. The
// body is only written once the export completed.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	format, err := models.ParseExportFormat(q.Get("format"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter, err := parseFilter(q)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if filter.TenantID == "" {
		filter.TenantID = tc.TenantID()
	}

	artifact, err := h.audit.Export(r.Context(), tc, filter, format)
	if err != nil {
		h.writeError(r.Context(), w, "export", err)
		return
	}
	w.Header().Set("Content-Type", artifact.Format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.Header().Set("X-Audit-Event-Count", strconv.Itoa(artifact.EventCount))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Data); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write export body",
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
	}
}

// HandleStatistics handles GET /api/audit/statistics.
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rng, err := parseRange(q)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tenantID := id.TenantID(q.Get("tenantId"))
	if tenantID == "" {
		tenantID = tc.TenantID()
	}
	stats, err := h.audit.Statistics(r.Context(), tc, tenantID, rng)
	if err != nil {
		h.writeError(r.Context(), w, "statistics", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleComplianceReport handles GET /api/audit/compliance/reports.
func (h *Handler) HandleComplianceReport(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.identity(w, r)
	if !ok {
		return
	}
	rq, err := parseReportQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if rq.TenantID == "" {
		rq.TenantID = tc.TenantID()
	}
	report, err := h.reports.Generate(r.Context(), tc, rq.TenantID, rq.Framework, rq.Range)
	if err != nil {
		h.writeError(r.Context(), w, "compliance_report", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	attrs := []any{
		"request_id", middleware.GetRequestID(ctx),
		"operation", operation,
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "audit request failed", attrs...)
	} else {
		h.logger.InfoContext(ctx, "audit request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}
