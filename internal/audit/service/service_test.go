package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carenotes/internal/audit/metrics"
	"carenotes/internal/audit/models"
	"carenotes/internal/audit/service/mocks"
	"carenotes/internal/audit/store/memory"
	"carenotes/internal/tenancy"
	id "carenotes/pkg/domain"
	dErrors "carenotes/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.InMemoryStore
	service *Service
	now     time.Time
	tenantA tenancy.Context
	tenantB tenancy.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewInMemoryStore()
	s.now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	s.service = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithClock(func() time.Time { return s.now }),
	)
	var err error
	s.tenantA, err = tenancy.New("tenant-A", "nurse-1", "corr-1")
	s.Require().NoError(err)
	s.tenantB, err = tenancy.New("tenant-B", "nurse-2", "")
	s.Require().NoError(err)
}

func medicationInput() models.Input {
	return models.Input{
		Resource: "Medication",
		EntityID: "med-1",
		Action:   models.ActionCreate,
		Details:  models.Details{"dose": "5mg", "route": "oral", "count": 2},
		UserID:   "nurse-1",
		TenantID: "tenant-A",
	}
}

func (s *ServiceSuite) record(in models.Input) *models.Event {
	e, err := s.service.Record(s.ctx, s.tenantA, in)
	s.Require().NoError(err)
	return e
}

func (s *ServiceSuite) TestRecordThenQueryReturnsSameFields() {
	in := medicationInput()
	in.CorrelationID = "op-42"
	in.Origin = &models.Origin{IP: "10.0.0.1", Agent: "Firefox 120 (Linux)"}
	recorded := s.record(in)

	page, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", EntityID: "med-1"})
	s.Require().NoError(err)
	s.Require().Len(page.Events, 1)
	got := page.Events[0]

	s.False(got.ID.IsNil())
	s.Equal(recorded.ID, got.ID)
	s.Equal(s.now, got.Timestamp)
	s.Equal("Medication", got.Resource)
	s.Equal("Medication", got.EntityType)
	s.Equal("med-1", got.EntityID)
	s.Equal(models.ActionCreate, got.Action)
	s.Equal(id.UserID("nurse-1"), got.UserID)
	s.Equal(id.TenantID("tenant-A"), got.TenantID)
	s.Equal("op-42", got.CorrelationID)
	s.Equal(in.Origin, got.Origin)
	s.Equal("5mg", got.Details["dose"])
	s.Equal(json.Number("2"), got.Details["count"])
}

func (s *ServiceSuite) TestRecordDefaultsCorrelationFromContext() {
	e := s.record(medicationInput())
	s.Equal("corr-1", e.CorrelationID)
}

func (s *ServiceSuite) TestRecordDoesNotShareDetailsWithCaller() {
	in := medicationInput()
	s.record(in)
	in.Details["dose"] = "500mg"

	page, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
	s.Require().NoError(err)
	s.Equal("5mg", page.Events[0].Details["dose"])
}

func (s *ServiceSuite) TestTimestampsAreNonDecreasing() {
	clock := []time.Time{
		s.now,
		s.now.Add(2 * time.Second),
		s.now.Add(-time.Hour),
		s.now.Add(time.Second),
		s.now.Add(3 * time.Second),
	}
	for _, ts := range clock {
		s.now = ts
		s.record(medicationInput())
	}

	page, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
	s.Require().NoError(err)
	s.Require().Len(page.Events, len(clock))
	for i := 1; i < len(page.Events); i++ {
		s.False(page.Events[i].Timestamp.Before(page.Events[i-1].Timestamp),
			"event %d precedes event %d", i, i-1)
		s.Greater(page.Events[i].Sequence, page.Events[i-1].Sequence)
	}
}

func (s *ServiceSuite) TestCrossTenantAccessIsRefused() {
	s.record(medicationInput())

	s.Run("query", func() {
		page, err := s.service.Query(s.ctx, s.tenantB, models.Filter{TenantID: "tenant-A"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Nil(page)
	})

	s.Run("export", func() {
		artifact, err := s.service.Export(s.ctx, s.tenantB, models.Filter{TenantID: "tenant-A"}, models.FormatJSON)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Nil(artifact)
	})

	s.Run("statistics", func() {
		stats, err := s.service.Statistics(s.ctx, s.tenantB, "tenant-A", models.TimeRange{})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Nil(stats)
	})

	s.Run("record into another tenant", func() {
		_, err := s.service.Record(s.ctx, s.tenantB, medicationInput())
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("tenant with no events is an empty success, not an error", func() {
		page, err := s.service.Query(s.ctx, s.tenantB, models.Filter{TenantID: "tenant-B"})
		s.Require().NoError(err)
		s.Empty(page.Events)
	})
}

func (s *ServiceSuite) TestMedicationScenario() {
	s.record(medicationInput())

	page, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", EntityType: "Medication"})
	s.Require().NoError(err)
	s.Len(page.Events, 1)

	_, err = s.service.Query(s.ctx, s.tenantB, models.Filter{TenantID: "tenant-A", EntityType: "Medication"})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestRecordValidation() {
	tests := []struct {
		name   string
		mutate func(*models.Input)
	}{
		{"missing userId", func(in *models.Input) { in.UserID = "" }},
		{"missing tenantId", func(in *models.Input) { in.TenantID = "" }},
		{"missing resource", func(in *models.Input) { in.Resource = "  " }},
		{"unknown action", func(in *models.Input) { in.Action = "ARCHIVE" }},
		{"empty details key", func(in *models.Input) { in.Details = models.Details{"": "x"} }},
		{"unserialisable details", func(in *models.Input) { in.Details = models.Details{"fn": func() {}} }},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			in := medicationInput()
			tt.mutate(&in)
			e, err := s.service.Record(s.ctx, s.tenantA, in)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
			s.Nil(e)
		})
	}

	page, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
	s.Require().NoError(err)
	s.Empty(page.Events, "rejected records must not be persisted")
}

func (s *ServiceSuite) TestRecordRequiresIdentity() {
	_, err := s.service.Record(s.ctx, tenancy.Context{}, medicationInput())
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestQueryPagination() {
	for range 7 {
		s.record(medicationInput())
	}
	seen := map[id.EventID]bool{}
	filter := models.Filter{TenantID: "tenant-A", Limit: 3}
	pages := 0
	for {
		page, err := s.service.Query(s.ctx, s.tenantA, filter)
		s.Require().NoError(err)
		pages++
		for _, e := range page.Events {
			s.False(seen[e.ID])
			seen[e.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		filter.Cursor = page.NextCursor
	}
	s.Len(seen, 7)
	s.Equal(3, pages)

	_, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", Cursor: "garbage!"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestExportJSONRoundTrip() {
	for i := range 5 {
		in := medicationInput()
		if i%2 == 0 {
			in.Resource = "Consent"
			in.Details = models.Details{"status": "granted", "nested": map[string]any{"a": []any{1, "b"}}}
		}
		s.record(in)
	}
	filter := models.Filter{TenantID: "tenant-A", Resource: "Consent"}

	artifact, err := s.service.Export(s.ctx, s.tenantA, filter, models.FormatJSON)
	s.Require().NoError(err)
	s.Equal(3, artifact.EventCount)
	s.True(strings.HasSuffix(artifact.Filename, ".json"))

	var decoded []models.Event
	s.Require().NoError(json.Unmarshal(artifact.Data, &decoded))

	page, err := s.service.Query(s.ctx, s.tenantA, filter)
	s.Require().NoError(err)
	s.Require().Len(decoded, len(page.Events))
	for i := range decoded {
		s.Equal(page.Events[i].ID, decoded[i].ID)
		s.Equal(page.Events[i].Details, decoded[i].Details)
		s.True(page.Events[i].Timestamp.Equal(decoded[i].Timestamp))
	}
	s.Empty(models.VerifyChain(decoded), "exported events must still verify")
}

func (s *ServiceSuite) TestExportCSV() {
	s.record(medicationInput())
	in := medicationInput()
	in.Details = models.Details{"note": "line one,\nline \"two\""}
	s.record(in)

	artifact, err := s.service.Export(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"}, models.FormatCSV)
	s.Require().NoError(err)

	rows, err := csv.NewReader(strings.NewReader(string(artifact.Data))).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(rows, 3)
	s.Equal(models.CSVHeader, rows[0])
	s.Equal("Medication", rows[1][4])
	s.JSONEq(`{"note":"line one,\nline \"two\""}`, rows[2][10])
}

func (s *ServiceSuite) TestExportSpansManyPages() {
	for range models.MaxPageSize + 5 {
		s.record(medicationInput())
	}
	artifact, err := s.service.Export(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", Limit: 10}, models.FormatJSON)
	s.Require().NoError(err)
	s.Equal(models.MaxPageSize+5, artifact.EventCount)
}

func (s *ServiceSuite) TestExportRejectsUnknownFormat() {
	_, err := s.service.Export(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"}, "xml")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestExportCancelledReturnsNoArtifact() {
	s.record(medicationInput())
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	artifact, err := s.service.Export(ctx, s.tenantA, models.Filter{TenantID: "tenant-A"}, models.FormatJSON)
	s.Require().Error(err)
	s.Nil(artifact)
}

func (s *ServiceSuite) TestExportToFile() {
	s.record(medicationInput())
	dir := s.T().TempDir()

	path, artifact, err := s.service.ExportToFile(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"}, models.FormatCSV, dir)
	s.Require().NoError(err)
	s.Equal(filepath.Join(dir, artifact.Filename), path)

	written, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(artifact.Data, written)

	entries, err := os.ReadDir(dir)
	s.Require().NoError(err)
	s.Len(entries, 1, "temporary files must not be left behind")
}

func (s *ServiceSuite) TestExportAuditing() {
	svc := New(s.store, WithClock(func() time.Time { return s.now }), WithExportAuditing(true))
	_, err := svc.Record(s.ctx, s.tenantA, medicationInput())
	s.Require().NoError(err)

	_, err = svc.Export(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", Resource: "Medication"}, models.FormatCSV)
	s.Require().NoError(err)

	page, err := svc.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A", Resource: models.ResourceAuditExport})
	s.Require().NoError(err)
	s.Require().Len(page.Events, 1)
	s.Equal(models.ActionRead, page.Events[0].Action)
	s.Equal("csv", page.Events[0].Details["format"])
}

func (s *ServiceSuite) TestStatistics() {
	s.record(medicationInput())
	s.record(medicationInput())
	in := medicationInput()
	in.Resource = "Consent"
	in.Action = models.ActionUpdate
	s.record(in)

	stats, err := s.service.Statistics(s.ctx, s.tenantA, "tenant-A", models.TimeRange{})
	s.Require().NoError(err)
	s.Equal(int64(3), stats.Total)
	s.Equal(int64(2), stats.ByResource["Medication"])
	s.Equal(int64(1), stats.ByAction[models.ActionUpdate])
	s.Len(stats.Breakdown, 2)
	s.Equal("Consent", stats.Breakdown[0].Resource)

	_, err = s.service.Statistics(s.ctx, s.tenantA, "tenant-A", models.TimeRange{From: s.now, To: s.now.Add(-time.Hour)})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestAudited() {
	s.Run("commits the domain write and its audit record together", func() {
		e, err := s.service.Audited(s.ctx, s.tenantA, func(ctx context.Context) (models.Input, error) {
			return medicationInput(), nil
		})
		s.Require().NoError(err)
		s.Equal("Medication", e.Resource)
	})

	s.Run("rolls back earlier writes when the audit record is invalid", func() {
		before, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
		s.Require().NoError(err)

		_, err = s.service.Audited(s.ctx, s.tenantA, func(ctx context.Context) (models.Input, error) {
			// A write made through ctx during the domain operation.
			if _, err := s.service.Record(ctx, s.tenantA, medicationInput()); err != nil {
				return models.Input{}, err
			}
			in := medicationInput()
			in.UserID = ""
			return in, nil
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		after, err := s.service.Query(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
		s.Require().NoError(err)
		s.Equal(len(before.Events), len(after.Events))
	})

	s.Run("returns the domain error unchanged and records nothing", func() {
		boom := errors.New("medication not found")
		_, err := s.service.Audited(s.ctx, s.tenantA, func(ctx context.Context) (models.Input, error) {
			return models.Input{}, boom
		})
		s.ErrorIs(err, boom)
	})
}

func (s *ServiceSuite) TestPurge() {
	system := tenancy.System("tenant-A", "retention", "")
	old := medicationInput()
	old.Resource = "CareUpdate"
	s.now = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	s.record(old)
	s.now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	s.Run("refuses non-system callers", func() {
		_, err := s.service.Purge(s.ctx, s.tenantA, PurgeRequest{Category: "CareUpdate", Cutoff: s.now})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("deletes and records the purge", func() {
		res, err := s.service.Purge(s.ctx, system, PurgeRequest{Category: "CareUpdate", Cutoff: s.now.AddDate(-3, 0, 0), Policy: "3y"})
		s.Require().NoError(err)
		s.Equal(int64(1), res.Deleted)
		s.Require().NotNil(res.Event)
		s.Equal(models.ResourceAuditRetention, res.Event.Resource)
		s.Equal(id.UserID("system:retention"), res.Event.UserID)
		s.Equal(json.Number("1"), res.Event.Details["deleted_count"])
	})

	s.Run("writes nothing when nothing qualifies", func() {
		res, err := s.service.Purge(s.ctx, system, PurgeRequest{Category: "CareUpdate", Cutoff: s.now.AddDate(-3, 0, 0)})
		s.Require().NoError(err)
		s.Zero(res.Deleted)
		s.Nil(res.Event)
	})
}

func (s *ServiceSuite) TestVerify() {
	for range 4 {
		s.record(medicationInput())
	}
	report, err := s.service.Verify(s.ctx, s.tenantA, models.Filter{TenantID: "tenant-A"})
	s.Require().NoError(err)
	s.Equal(4, report.Checked)
	s.Empty(report.Breaks)
}

func newMockService(t *testing.T) (*Service, *mocks.MockStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	return New(store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))), store
}

func TestRecord_StorageFailurePropagates(t *testing.T) {
	svc, store := newMockService(t)
	tc, err := tenancy.New("tenant-A", "nurse-1", "")
	require.NoError(t, err)

	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

	e, err := svc.Record(context.Background(), tc, medicationInput())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorage))
	assert.Nil(t, e)
}

func TestRecord_InvalidInputNeverReachesStore(t *testing.T) {
	svc, _ := newMockService(t)
	tc, err := tenancy.New("tenant-A", "nurse-1", "")
	require.NoError(t, err)

	in := medicationInput()
	in.UserID = ""
	_, err = svc.Record(context.Background(), tc, in)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestQuery_CrossTenantNeverReachesStore(t *testing.T) {
	svc, _ := newMockService(t)
	tc, err := tenancy.New("tenant-B", "nurse-2", "")
	require.NoError(t, err)

	page, err := svc.Query(context.Background(), tc, models.Filter{TenantID: "tenant-A"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	assert.Nil(t, page)
}

func TestExport_StorageFailureMidwayReturnsNoArtifact(t *testing.T) {
	svc, store := newMockService(t)
	tc, err := tenancy.New("tenant-A", "nurse-1", "")
	require.NoError(t, err)

	first := &models.Page{Events: []models.Event{{ID: id.NewEventID(), TenantID: "tenant-A", Sequence: 1}}, NextCursor: models.EncodeCursor(1)}
	gomock.InOrder(
		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(first, nil),
		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, errors.New("read timeout")),
	)

	artifact, err := svc.Export(context.Background(), tc, models.Filter{TenantID: "tenant-A"}, models.FormatJSON)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStorage))
	assert.Nil(t, artifact)
}

func TestVerify_ReportsTamperedEvent(t *testing.T) {
	svc, store := newMockService(t)
	tc, err := tenancy.New("tenant-A", "nurse-1", "")
	require.NoError(t, err)

	events := make([]models.Event, 3)
	prev := models.GenesisHash
	for i := range events {
		events[i] = models.Event{
			ID: id.NewEventID(), TenantID: "tenant-A", Sequence: int64(i + 1),
			Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			Resource:  "Consent", Action: models.ActionUpdate, UserID: "u1", Details: models.Details{},
		}
		require.NoError(t, models.Seal(prev, &events[i]))
		prev = events[i].Hash
	}
	events[1].Details = models.Details{"status": "withdrawn"}

	store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(&models.Page{Events: events}, nil)

	report, err := svc.Verify(context.Background(), tc, models.Filter{TenantID: "tenant-A"})
	require.NoError(t, err)
	require.Len(t, report.Breaks, 1)
	assert.Equal(t, events[1].ID.String(), report.Breaks[0].EventID)
}

func TestPurge_RollbackIsRetentionPassError(t *testing.T) {
	svc, store := newMockService(t)
	store.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) })
	store.EXPECT().PurgeBefore(gomock.Any(), id.TenantID("tenant-A"), "CareUpdate", gomock.Any(), gomock.Any()).
		Return(int64(0), errors.New("lock timeout"))

	_, err := svc.Purge(context.Background(), tenancy.System("tenant-A", "retention", ""),
		PurgeRequest{Category: "CareUpdate", Cutoff: time.Now()})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeRetentionPass))
}
