package models

import (
	"strings"

	dErrors "carenotes/pkg/domain-errors"
)

// ExportFormat is a supported export encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "format must be csv or json")
	}
}

func (f ExportFormat) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Artifact is a completed export. It is only produced once every matching
// event has been written.
type Artifact struct {
	Format     ExportFormat
	Filename   string
	Data       []byte
	EventCount int
}

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{
	"id", "tenant_id", "sequence", "timestamp", "resource", "entity_type", "entity_id",
	"action", "user_id", "correlation_id", "details", "origin_ip", "origin_agent",
	"prev_hash", "hash",
}
