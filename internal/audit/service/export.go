package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"carenotes/internal/audit/models"
	"carenotes/internal/tenancy"
	dErrors "carenotes/pkg/domain-errors"
)

// Export renders every event matching filter (ignoring its cursor and limit)
// as CSV or JSON. The artifact is built in memory and returned only once the
// last page was written; cancelling ctx abandons it.
func (s *Service) Export(ctx context.Context, tc tenancy.Context, filter models.Filter, format models.ExportFormat) (*models.Artifact, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Export")
	defer span.End()
	start := time.Now()

	if format != models.FormatJSON && format != models.FormatCSV {
		return nil, dErrors.New(dErrors.CodeValidation, "format must be csv or json")
	}
	filter.Cursor = ""
	filter.Limit = models.MaxPageSize
	if err := s.authorize(ctx, tc, &filter); err != nil {
		s.fail(ctx, span, "export", err)
		return nil, err
	}

	var (
		buf bytes.Buffer
		enc eventEncoder
	)
	if format == models.FormatCSV {
		enc = newCSVEncoder(&buf)
	} else {
		enc = newJSONEncoder(&buf)
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "export cancelled")
		}
		page, err := s.store.Query(ctx, filter)
		if err != nil {
			err = translate(err, "failed to read audit events for export")
			s.fail(ctx, span, "export", err)
			return nil, err
		}
		for i := range page.Events {
			if err := ctx.Err(); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "export cancelled")
			}
			if err := enc.encode(&page.Events[i]); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode audit event")
			}
			count++
		}
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	if err := enc.close(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to finish export")
	}

	artifact := &models.Artifact{
		Format:     format,
		Filename:   fmt.Sprintf("audit-%s-%s.%s", filter.TenantID, s.now().UTC().Format("20060102T150405Z"), format),
		Data:       buf.Bytes(),
		EventCount: count,
	}

	if s.auditExports {
		_, err := s.Record(ctx, tc, models.Input{
			Resource: models.ResourceAuditExport,
			Action:   models.ActionRead,
			TenantID: tc.TenantID(),
			UserID:   tc.UserID(),
			Details: models.Details{
				"format":      string(format),
				"event_count": count,
				"filter":      exportFilterDetails(filter),
			},
		})
		if err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("audit.export.events", count))
	if s.metrics != nil {
		s.metrics.AddExportBytes(string(format), len(artifact.Data))
		s.metrics.Observe("export", start)
	}
	s.logger.InfoContext(ctx, "audit export completed",
		"tenant_id", filter.TenantID,
		"format", format,
		"events", count,
		"correlation_id", tc.CorrelationID(),
	)
	return artifact, nil
}

// ExportToFile writes an export into dir. The file only appears under its
// final name once fully written and synced.
func (s *Service) ExportToFile(ctx context.Context, tc tenancy.Context, filter models.Filter, format models.ExportFormat, dir string) (string, *models.Artifact, error) {
	artifact, err := s.Export(ctx, tc, filter, format)
	if err != nil {
		return "", nil, err
	}

	tmp, err := os.CreateTemp(dir, ".audit-export-*")
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create export file")
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(artifact.Data); err != nil {
		cleanup()
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write export file")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sync export file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to close export file")
	}
	final := filepath.Join(dir, artifact.Filename)
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to publish export file")
	}
	return final, artifact, nil
}

func exportFilterDetails(f models.Filter) map[string]any {
	out := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("resource", f.Resource)
	set("entity_type", f.EntityType)
	set("entity_id", f.EntityID)
	set("user_id", string(f.UserID))
	set("action", string(f.Action))
	set("correlation_id", f.CorrelationID)
	if !f.Range.From.IsZero() {
		out["from"] = f.Range.From.UTC().Format(time.RFC3339Nano)
	}
	if !f.Range.To.IsZero() {
		out["to"] = f.Range.To.UTC().Format(time.RFC3339Nano)
	}
	return out
}

type eventEncoder interface {
	encode(e *models.Event) error
	close() error
}

// jsonEncoder writes a JSON array, one element per event.
type jsonEncoder struct {
	buf   *bytes.Buffer
	first bool
}

func newJSONEncoder(buf *bytes.Buffer) *jsonEncoder {
	buf.WriteByte('[')
	return &jsonEncoder{buf: buf, first: true}
}

func (j *jsonEncoder) encode(e *models.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if !j.first {
		j.buf.WriteByte(',')
	}
	j.first = false
	j.buf.Write(raw)
	return nil
}

func (j *jsonEncoder) close() error {
	j.buf.WriteByte(']')
	return nil
}

// csvEncoder writes models.CSVHeader followed by one row per event. Details
// are serialised as a JSON object string.
type csvEncoder struct {
	w *csv.Writer
}

func newCSVEncoder(buf *bytes.Buffer) *csvEncoder {
	w := csv.NewWriter(buf)
	_ = w.Write(models.CSVHeader)
	return &csvEncoder{w: w}
}

func (c *csvEncoder) encode(e *models.Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	var ip, agent string
	if e.Origin != nil {
		ip, agent = e.Origin.IP, e.Origin.Agent
	}
	return c.w.Write([]string{
		e.ID.String(),
		string(e.TenantID),
		strconv.FormatInt(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Resource,
		e.EntityType,
		e.EntityID,
		string(e.Action),
		string(e.UserID),
		e.CorrelationID,
		string(details),
		ip,
		agent,
		e.PrevHash,
		e.Hash,
	})
}

func (c *csvEncoder) close() error {
	c.w.Flush()
	return c.w.Error()
}
