package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

// Action is the CRUD verb an event records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

var validActions = map[Action]bool{
	ActionCreate: true,
	ActionRead:   true,
	ActionUpdate: true,
	ActionDelete: true,
}

// Actions lists the supported actions in display order.
var Actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

func (a Action) IsValid() bool { return validActions[a] }

// ParseAction accepts any casing ("create", "Create").
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "action must be one of CREATE, READ, UPDATE, DELETE")
	}
	return a, nil
}

// Resources written by the audit subsystem itself.
const (
	ResourceAuditRetention = "AuditRetention"
	ResourceAuditExport    = "AuditExport"
)

const (
	maxResourceLength   = 64
	maxEntityLength     = 128
	maxDetailKeyLength  = 64
	maxDetailsBytes     = 64 << 10
	maxCorrelationBytes = 128
)

// Details is the free-form metadata attached to an event. Keys are
// category-specific by convention (for example "dose" on Medication,
// "status" on Consent); values must be JSON-serialisable.
type Details map[string]any

// Origin is optional request metadata captured by the HTTP transport.
type Origin struct {
	IP    string `json:"ip,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// Input is what a domain module submits. Tenant and user are required; a
// blank correlation ID is taken from the caller's tenancy.Context.
type Input struct {
	Resource      string
	EntityType    string
	EntityID      string
	Action        Action
	Details       Details
	UserID        id.UserID
	TenantID      id.TenantID
	CorrelationID string
	Origin        *Origin
}

// Normalize trims identifiers, upper-cases the action, and defaults the
// entity type to the resource so "entityType=Medication" filters find
// events recorded as resource "Medication".
func (in *Input) Normalize() {
	in.Resource = strings.TrimSpace(in.Resource)
	in.EntityType = strings.TrimSpace(in.EntityType)
	in.EntityID = strings.TrimSpace(in.EntityID)
	in.Action = Action(strings.ToUpper(strings.TrimSpace(string(in.Action))))
	in.UserID = id.UserID(strings.TrimSpace(string(in.UserID)))
	in.TenantID = id.TenantID(strings.TrimSpace(string(in.TenantID)))
	in.CorrelationID = strings.TrimSpace(in.CorrelationID)
	if in.EntityType == "" {
		in.EntityType = in.Resource
	}
}

// Validate checks required fields and bounds. All failures are CodeValidation.
func (in *Input) Validate() error {
	if in.Resource == "" {
		return dErrors.New(dErrors.CodeValidation, "resource is required")
	}
	if len(in.Resource) > maxResourceLength {
		return dErrors.New(dErrors.CodeValidation, "resource is too long")
	}
	if !in.Action.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "action must be one of CREATE, READ, UPDATE, DELETE")
	}
	if in.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "userId is required")
	}
	if _, err := id.ParseUserID(string(in.UserID)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "userId is invalid")
	}
	if in.TenantID == "" {
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	}
	if _, err := id.ParseTenantID(string(in.TenantID)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "tenantId is invalid")
	}
	if len(in.EntityType) > maxEntityLength || len(in.EntityID) > maxEntityLength {
		return dErrors.New(dErrors.CodeValidation, "entity identifiers are too long")
	}
	if len(in.CorrelationID) > maxCorrelationBytes {
		return dErrors.New(dErrors.CodeValidation, "correlationId is too long")
	}
	return validateDetails(in.Details)
}

func validateDetails(d Details) error {
	for k := range d {
		if strings.TrimSpace(k) == "" {
			return dErrors.New(dErrors.CodeValidation, "details keys must be non-empty")
		}
		if len(k) > maxDetailKeyLength {
			return dErrors.New(dErrors.CodeValidation, "details key is too long: "+k[:maxDetailKeyLength])
		}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "details must be JSON-serialisable")
	}
	if len(raw) > maxDetailsBytes {
		return dErrors.New(dErrors.CodeValidation, "details exceed 64KiB")
	}
	return nil
}

// CanonicalDetails deep-copies d through JSON so the stored map shares no
// memory with the caller and numbers decode as json.Number on every backend.
func CanonicalDetails(d Details) (Details, error) {
	if len(d) == 0 {
		return Details{}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return DecodeDetails(raw)
}

// DecodeDetails parses stored details JSON.
func DecodeDetails(raw []byte) (Details, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return Details(out), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return Details(out), nil
}

// Event is a stored, immutable audit record.
type Event struct {
	ID            id.EventID  `json:"id"`
	TenantID      id.TenantID `json:"tenant_id"`
	Sequence      int64       `json:"sequence"`
	Timestamp     time.Time   `json:"timestamp"`
	Resource      string      `json:"resource"`
	EntityType    string      `json:"entity_type"`
	EntityID      string      `json:"entity_id"`
	Action        Action      `json:"action"`
	Details       Details     `json:"details"`
	UserID        id.UserID   `json:"user_id"`
	CorrelationID string      `json:"correlation_id"`
	Origin        *Origin     `json:"origin,omitempty"`
	PrevHash      string      `json:"prev_hash"`
	Hash          string      `json:"hash"`
}

// Category is the retention category of the event.
func (e Event) Category() string { return e.Resource }

// NewEvent builds an unsequenced event from validated input. The store
// assigns Sequence, the final Timestamp and the hash chain on append.
func NewEvent(eventID id.EventID, in Input, details Details, now time.Time) Event {
	return Event{
		ID:            eventID,
		TenantID:      in.TenantID,
		Timestamp:     now.UTC().Truncate(time.Microsecond),
		Resource:      in.Resource,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		Action:        in.Action,
		Details:       details,
		UserID:        in.UserID,
		CorrelationID: in.CorrelationID,
		Origin:        in.Origin,
	}
}

// UnmarshalJSON keeps numbers as json.Number so decoded exports compare
// equal to events read from the store.
func (d *Details) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = Details{}
		return nil
	}
	decoded, err := DecodeDetails(data)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}
