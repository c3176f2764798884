package models

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// TimeRange is the half-open interval [From, To). A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

func (r TimeRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.To.After(r.From) {
		return dErrors.New(dErrors.CodeValidation, "date range end must be after start")
	}
	return nil
}

// Filter selects events within one tenant. TenantID is mandatory.
type Filter struct {
	TenantID      id.TenantID
	Resource      string
	EntityType    string
	EntityID      string
	UserID        id.UserID
	Action        Action
	CorrelationID string
	Range         TimeRange
	Cursor        string
	Limit         int
}

func (f *Filter) Normalize() {
	f.TenantID = id.TenantID(strings.TrimSpace(string(f.TenantID)))
	f.Resource = strings.TrimSpace(f.Resource)
	f.EntityType = strings.TrimSpace(f.EntityType)
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.UserID = id.UserID(strings.TrimSpace(string(f.UserID)))
	f.Action = Action(strings.ToUpper(strings.TrimSpace(string(f.Action))))
	f.CorrelationID = strings.TrimSpace(f.CorrelationID)
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
}

func (f *Filter) Validate() error {
	if f.TenantID == "" {
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if f.Action != "" && !f.Action.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "action must be one of CREATE, READ, UPDATE, DELETE")
	}
	if _, err := DecodeCursor(f.Cursor); err != nil {
		return err
	}
	return f.Range.Validate()
}

// Matches reports whether e satisfies every criterion except pagination.
func (f *Filter) Matches(e *Event) bool {
	switch {
	case e.TenantID != f.TenantID:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.EntityType != "" && e.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && e.EntityID != f.EntityID:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.CorrelationID != "" && e.CorrelationID != f.CorrelationID:
		return false
	}
	return f.Range.Contains(e.Timestamp)
}

// Page is one slice of a query result. NextCursor is empty on the last page.
type Page struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

const cursorPrefix = "v1:"

// EncodeCursor returns an opaque cursor positioned after sequence seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor returns the sequence a cursor points after; "" decodes to 0.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeValidation, "invalid cursor")
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, dErrors.New(dErrors.CodeValidation, "invalid cursor")
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "invalid cursor")
	}
	return seq, nil
}
