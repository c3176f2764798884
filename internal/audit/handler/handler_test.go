package handler

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carenotes/internal/audit/models"
	"carenotes/internal/audit/service"
	"carenotes/internal/audit/service/mocks"
	"carenotes/internal/audit/store/memory"
	"carenotes/internal/compliance"
	"carenotes/internal/platform/middleware"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/middleware/metadata"
	"carenotes/pkg/testutil"
)

// tokenValidator accepts tokens of the form "tenant|user".
type tokenValidator struct{}

func (tokenValidator) ValidateToken(token string) (*middleware.JWTClaims, error) {
	tenant, user, ok := strings.Cut(token, "|")
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return &middleware.JWTClaims{TenantID: tenant, UserID: user}, nil
}

func newRouter(audit Service, reports ReportGenerator) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metadata.ClientMetadata)
	New(audit, reports, logger, nil, tokenValidator{}).Register(r)
	return r
}

type HandlerSuite struct {
	suite.Suite
	router http.Handler
	clock  time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.clock = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := service.New(memory.NewInMemoryStore(),
		service.WithLogger(logger),
		service.WithClock(func() time.Time {
			s.clock = s.clock.Add(time.Minute)
			return s.clock
		}),
	)
	reports := compliance.NewGenerator(audit, compliance.WithLogger(logger))
	s.router = newRouter(audit, reports)
}

func (s *HandlerSuite) do(method, target, token string, body any) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, target, token, body)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0")
	req.RemoteAddr = "192.0.2.10:4000"
	return testutil.DoRequest(s.router, req)
}

func medication(tenant string) map[string]any {
	return map[string]any{
		"resource": "Medication",
		"entityId": "med-1",
		"action":   "create",
		"details":  map[string]any{"dose": "5mg"},
		"userId":   "nurse-1",
		"tenantId": tenant,
	}
}

func (s *HandlerSuite) TestRecordThenQuery() {
	rec := s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A"))
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Event
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &created))
	s.Equal(models.ActionCreate, created.Action)
	s.Require().NotNil(created.Origin)
	s.Equal("192.0.2.10", created.Origin.IP)
	s.Contains(created.Origin.Agent, "Firefox")
	s.NotEmpty(created.CorrelationID)

	rec = s.do(http.MethodGet, "/api/audit/events?entityId=med-1", "tenant-A|auditor", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp QueryResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Len(resp.Events, 1)
	s.Equal(created.ID, resp.Events[0].ID)
	s.Equal("5mg", resp.Events[0].Details["dose"])
}

func (s *HandlerSuite) TestLargeIntegerDetailsKeepPrecision() {
	body := medication("tenant-A")
	body["details"] = map[string]any{"batch": json.Number("9007199254740993")}
	rec := s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", body)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	s.Contains(rec.Body.String(), `"batch":9007199254740993`)

	rec = s.do(http.MethodGet, "/api/audit/events?entityId=med-1", "tenant-A|auditor", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp QueryResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Len(resp.Events, 1)
	s.Equal(json.Number("9007199254740993"), resp.Events[0].Details["batch"])
	s.Empty(models.VerifyChain(resp.Events))
}

func (s *HandlerSuite) TestRecordValidationIs400() {
	body := medication("tenant-A")
	delete(body, "userId")
	rec := s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", body)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusBadRequest, string(dErrors.CodeValidation))

	rec = s.do(http.MethodGet, "/api/audit/events", "tenant-A|nurse-1", nil)
	var resp QueryResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Empty(resp.Events)
}

func (s *HandlerSuite) TestUnknownFieldRejected() {
	body := medication("tenant-A")
	body["severity"] = "high"
	rec := s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", body)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestMissingTokenIs401() {
	rec := s.do(http.MethodGet, "/api/audit/events", "", nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestCrossTenantIsForbiddenNotEmpty() {
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A")).Code)

	for _, target := range []string{
		"/api/audit/events?tenantId=tenant-A",
		"/api/audit/events/export?format=csv&tenantId=tenant-A",
		"/api/audit/statistics?tenantId=tenant-A",
		"/api/audit/compliance/reports?framework=cqc&tenantId=tenant-A&from=2026-01-01&to=2027-01-01",
	} {
		rec := s.do(http.MethodGet, target, "tenant-B|nurse-2", nil)
		s.Equal(http.StatusForbidden, rec.Code, target)
		s.NotContains(rec.Body.String(), "events", target)
	}

	rec := s.do(http.MethodPost, "/api/audit/events/search", "tenant-B|nurse-2", map[string]any{"tenantId": "tenant-A"})
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/audit/events", "tenant-B|nurse-2", medication("tenant-A"))
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *HandlerSuite) TestSearchPaginates() {
	for range 3 {
		s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A")).Code)
	}
	rec := s.do(http.MethodPost, "/api/audit/events/search", "tenant-A|nurse-1", map[string]any{"resource": "Medication", "limit": 2})
	s.Require().Equal(http.StatusOK, rec.Code)
	var first QueryResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &first))
	s.Len(first.Events, 2)
	s.Require().NotEmpty(first.NextCursor)

	rec = s.do(http.MethodPost, "/api/audit/events/search", "tenant-A|nurse-1", map[string]any{"resource": "Medication", "limit": 2, "cursor": first.NextCursor})
	var second QueryResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &second))
	s.Len(second.Events, 1)
	s.Empty(second.NextCursor)

	rec = s.do(http.MethodPost, "/api/audit/events/search", "tenant-A|nurse-1", map[string]any{"cursor": "garbage"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestExportCSV() {
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A")).Code)

	rec := s.do(http.MethodGet, "/api/audit/events/export?format=csv", "tenant-A|auditor", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("text/csv", rec.Header().Get("Content-Type"))
	s.Contains(rec.Header().Get("Content-Disposition"), "audit-tenant-A-")
	s.Equal("1", rec.Header().Get("X-Audit-Event-Count"))

	rows, err := csv.NewReader(rec.Body).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Equal(models.CSVHeader, rows[0])
}

func (s *HandlerSuite) TestExportRejectsUnknownFormat() {
	rec := s.do(http.MethodGet, "/api/audit/events/export?format=xml", "tenant-A|auditor", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestStatistics() {
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A")).Code)
	rec := s.do(http.MethodGet, "/api/audit/statistics?from=2026-01-01", "tenant-A|auditor", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var stats models.Statistics
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	s.EqualValues(1, stats.Total)
	s.EqualValues(1, stats.ByResource["Medication"])

	rec = s.do(http.MethodGet, "/api/audit/statistics?from=yesterday", "tenant-A|auditor", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestComplianceReport() {
	rec := s.do(http.MethodGet, "/api/audit/compliance/reports?framework=gdpr&from=2026-01-01&to=2027-01-01", "tenant-A|dpo", nil)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusUnprocessableEntity, string(dErrors.CodeInsufficientData))

	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/api/audit/events", "tenant-A|nurse-1", medication("tenant-A")).Code)
	rec = s.do(http.MethodGet, "/api/audit/compliance/reports?framework=gdpr&from=2026-01-01&to=2027-01-01", "tenant-A|dpo", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var report compliance.Report
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &report))
	s.Equal(compliance.FrameworkGDPR, report.Framework)
	s.Equal(1, report.EventsScanned)

	rec = s.do(http.MethodGet, "/api/audit/compliance/reports?framework=sox&from=2026-01-01&to=2027-01-01", "tenant-A|dpo", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func TestStorageFailureIs503WithoutDetail(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(nil, errors.New("pq: connection refused"))

	audit := service.New(store, service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	router := newRouter(audit, compliance.NewGenerator(audit))

	rec := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodGet, "/api/audit/events", "tenant-A|auditor", nil))

	testutil.AssertStatusAndError(t, rec, http.StatusServiceUnavailable, string(dErrors.CodeStorage))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
