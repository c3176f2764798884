package domain

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "carenotes/pkg/domain-errors"
)

// maxIdentifierLength bounds tenant and user identifiers accepted at trust boundaries.
const maxIdentifierLength = 128

// TenantID identifies the organisation that owns an audit event.
// Tenants are provisioned by the CRM with slug-style identifiers ("tenant-A"),
// so the type is a validated string rather than a UUID.
type TenantID string

// UserID identifies the actor that performed an audited action.
type UserID string

// EventID is the server-assigned identifier of a stored audit event.
type EventID uuid.UUID

func (t TenantID) String() string { return string(t) }
func (t TenantID) IsZero() bool   { return t == "" }

func (u UserID) String() string { return string(u) }
func (u UserID) IsZero() bool   { return u == "" }

func (e EventID) String() string { return uuid.UUID(e).String() }
func (e EventID) IsNil() bool    { return uuid.UUID(e) == uuid.Nil }

// NewEventID generates a random event ID.
func NewEventID() EventID {
	return EventID(uuid.New())
}

// ParseTenantID validates an identifier supplied by a caller.
//
// Errors: CodeInvalidInput when the value is empty, too long, or contains
// characters outside [A-Za-z0-9._:@-].
func ParseTenantID(s string) (TenantID, error) {
	v, err := parseIdentifier("tenant ID", s)
	if err != nil {
		return "", err
	}
	return TenantID(v), nil
}

// ParseUserID validates an actor identifier supplied by a caller.
func ParseUserID(s string) (UserID, error) {
	v, err := parseIdentifier("user ID", s)
	if err != nil {
		return "", err
	}
	return UserID(v), nil
}

// ParseEventID parses a UUID event identifier. The nil UUID is rejected.
func ParseEventID(s string) (EventID, error) {
	if s == "" {
		return EventID{}, dErrors.New(dErrors.CodeInvalidInput, "event ID cannot be empty")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid event ID format")
	}
	if parsed == uuid.Nil {
		return EventID{}, dErrors.New(dErrors.CodeInvalidInput, "event ID cannot be nil")
	}
	return EventID(parsed), nil
}

func parseIdentifier(kind, s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be empty")
	}
	if len(v) > maxIdentifierLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	for _, r := range v {
		if !isIdentifierRune(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
		}
	}
	return v, nil
}

func isIdentifierRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == ':', r == '@':
		return true
	}
	return false
}

// MarshalText encodes the event ID in canonical UUID form.
func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses a UUID event ID, rejecting the nil UUID.
func (e *EventID) UnmarshalText(data []byte) error {
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
