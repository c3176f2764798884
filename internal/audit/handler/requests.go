package handler

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"carenotes/internal/audit/models"
	"carenotes/internal/compliance"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

// RecordEventRequest is the body of POST /api/audit/events.
type RecordEventRequest struct {
	Resource      string         `json:"resource"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Action        string         `json:"action"`
	Details       models.Details `json:"details"`
	UserID        string         `json:"userId"`
	TenantID      string         `json:"tenantId"`
	CorrelationID string         `json:"correlationId"`
	Origin        *models.Origin `json:"origin,omitempty"`
}

func (r *RecordEventRequest) Normalize() {
	r.Resource = strings.TrimSpace(r.Resource)
	r.EntityType = strings.TrimSpace(r.EntityType)
	r.EntityID = strings.TrimSpace(r.EntityID)
	r.Action = strings.TrimSpace(r.Action)
	r.UserID = strings.TrimSpace(r.UserID)
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
}

// Validate only checks the envelope; field rules are enforced by the service
// so remote and in-process callers get identical errors.
func (r *RecordEventRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return nil
}

// Input converts the request to a service input.
func (r *RecordEventRequest) Input() models.Input {
	return models.Input{
		Resource:      r.Resource,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Action:        models.Action(r.Action),
		Details:       r.Details,
		UserID:        id.UserID(r.UserID),
		TenantID:      id.TenantID(r.TenantID),
		CorrelationID: r.CorrelationID,
		Origin:        r.Origin,
	}
}

// SearchRequest is the body of POST /api/audit/events/search. It mirrors the
// GET query parameters.
type SearchRequest struct {
	TenantID      string     `json:"tenantId"`
	Resource      string     `json:"resource"`
	EntityType    string     `json:"entityType"`
	EntityID      string     `json:"entityId"`
	UserID        string     `json:"userId"`
	Action        string     `json:"action"`
	CorrelationID string     `json:"correlationId"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	Cursor        string     `json:"cursor"`
	Limit         int        `json:"limit"`

	filter models.Filter
}

func (r *SearchRequest) Normalize() {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Action = strings.TrimSpace(r.Action)
	r.Cursor = strings.TrimSpace(r.Cursor)
}

func (r *SearchRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.Limit < 0 {
		return dErrors.New(dErrors.CodeValidation, "limit must not be negative")
	}
	f := models.Filter{
		TenantID:      id.TenantID(r.TenantID),
		Resource:      r.Resource,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		UserID:        id.UserID(r.UserID),
		CorrelationID: r.CorrelationID,
		Cursor:        r.Cursor,
		Limit:         r.Limit,
	}
	if r.Action != "" {
		action, err := models.ParseAction(r.Action)
		if err != nil {
			return err
		}
		f.Action = action
	}
	if r.From != nil {
		f.Range.From = r.From.UTC()
	}
	if r.To != nil {
		f.Range.To = r.To.UTC()
	}
	r.filter = f
	return nil
}

// Filter returns the validated filter.
func (r *SearchRequest) Filter() models.Filter {
	return r.filter
}

// parseFilter reads the GET /api/audit/events query parameters.
func parseFilter(q url.Values) (models.Filter, error) {
	req := SearchRequest{
		TenantID:      q.Get("tenantId"),
		Resource:      q.Get("resource"),
		EntityType:    q.Get("entityType"),
		EntityID:      q.Get("entityId"),
		UserID:        q.Get("userId"),
		Action:        q.Get("action"),
		CorrelationID: q.Get("correlationId"),
		Cursor:        q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return models.Filter{}, dErrors.New(dErrors.CodeValidation, "limit must be an integer")
		}
		req.Limit = n
	}
	r, err := parseRange(q)
	if err != nil {
		return models.Filter{}, err
	}
	if !r.From.IsZero() {
		req.From = &r.From
	}
	if !r.To.IsZero() {
		req.To = &r.To
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Filter{}, err
	}
	return req.Filter(), nil
}

// parseRange reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates.
func parseRange(q url.Values) (models.TimeRange, error) {
	var r models.TimeRange
	var err error
	if r.From, err = parseTime("from", q.Get("from")); err != nil {
		return r, err
	}
	if r.To, err = parseTime("to", q.Get("to")); err != nil {
		return r, err
	}
	return r, r.Validate()
}

func parseTime(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, dErrors.New(dErrors.CodeValidation, name+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

// ReportQuery is the parsed GET /api/audit/compliance/reports query.
type ReportQuery struct {
	TenantID  id.TenantID
	Framework compliance.Framework
	Range     models.TimeRange
}

func parseReportQuery(q url.Values) (ReportQuery, error) {
	framework, err := compliance.ParseFramework(q.Get("framework"))
	if err != nil {
		return ReportQuery{}, err
	}
	r, err := parseRange(q)
	if err != nil {
		return ReportQuery{}, err
	}
	return ReportQuery{
		TenantID:  id.TenantID(strings.TrimSpace(q.Get("tenantId"))),
		Framework: framework,
		Range:     r,
	}, nil
}
