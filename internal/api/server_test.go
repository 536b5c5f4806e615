package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/eduwallet/services/partners/config"
	"example.com/eduwallet/services/partners/internal/accesslink"
	"example.com/eduwallet/services/partners/internal/api/handlers"
	"example.com/eduwallet/services/partners/internal/cache"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/dispatch"
	"example.com/eduwallet/services/partners/internal/ledger"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/services"
	"example.com/eduwallet/services/partners/internal/testutil"
	"example.com/eduwallet/services/partners/internal/tracing"
	"example.com/eduwallet/services/partners/internal/webhooks"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey     = "pk_test_key"
	testSecret     = "webhook-secret"
	testAdminToken = "admin-token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type testServer struct {
	handler    http.Handler
	store      *testutil.MemStore
	dispatcher *dispatch.Dispatcher
	partner    *models.Partner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := testutil.NewMemStore()
	m := metrics.NewMetrics()

	dispatcher := dispatch.New(store, dispatch.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}, dispatch.WithMetrics(m))
	t.Cleanup(dispatcher.Wait)
	l := ledger.New(store, ledger.WithNotifier(dispatcher), ledger.WithMetrics(m))
	catalog := services.NewCatalog(store, cache.Disabled(), time.Minute)

	cfg := config.Config{Environment: "test"}
	cfg.Server.AdminToken = testAdminToken

	server := NewServer(cfg, Dependencies{
		Ledger:     l,
		Processor:  webhooks.NewProcessor(l, catalog, webhooks.WithMetrics(m)),
		Dispatcher: dispatcher,
		Registry:   services.NewRegistry(store),
		Catalog:    catalog,
		Verifier:   credentials.NewVerifier(store, time.Minute),
		Tokens:     accesslink.NewTokenIssuer("partners-test", time.Hour),
		Cache:      cache.Disabled(),
		Tracer:     &tracing.Tracer{},
		Metrics:    m,
	})

	return &testServer{
		handler:    server.Handler(),
		store:      store,
		dispatcher: dispatcher,
		partner:    testutil.SeedPartner(t, store, "partner.example", testSecret, credentials.HashAPIKey(testAPIKey)),
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") != "" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *testServer) webhook(t *testing.T, partner *models.Partner, secret string, at time.Time, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	ts := credentials.FormatTimestamp(at)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/partner", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(credentials.HeaderPartnerID, partner.ID.String())
	req.Header.Set(credentials.HeaderTimestamp, ts)
	req.Header.Set(credentials.HeaderSignature, "sha256="+credentials.Sign(secret, ts, raw))
	return s.do(t, req)
}

func (s *testServer) partnerRequest(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return s.do(t, req)
}

func (s *testServer) adminRequest(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	raw := []byte{}
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", testAdminToken)
	return s.do(t, req)
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()
	request := map[string]interface{}{"eventType": "enrollment_request", "studentId": "S1", "courseId": "partner-course-7"}

	rec, env := s.webhook(t, s.partner, testSecret, now, request)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, env.Success)
	data := decode[map[string]interface{}](t, env)
	assert.Equal(t, "https://partner.example/course/partner-course-7?student=S1", data["accessLink"])

	rec, env = s.webhook(t, s.partner, testSecret, now, request)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, data["enrollmentId"], decode[map[string]interface{}](t, env)["enrollmentId"])

	rec, _ = s.webhook(t, s.partner, testSecret, now, map[string]interface{}{"eventType": "progress_update", "studentId": "S1", "courseId": "partner-course-7", "progressPercent": 40})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = s.webhook(t, s.partner, testSecret, now, map[string]interface{}{"eventType": "progress_update", "studentId": "S1", "courseId": "partner-course-7", "progressPercent": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, handlers.CodeInvalidTransition, env.Code)

	rec, env = s.webhook(t, s.partner, testSecret, now, map[string]interface{}{"eventType": "enrollment_request", "studentId": "S1", "courseId": "partner-course-7", "eventId": "again"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, handlers.CodeDuplicateEnrollment, env.Code)

	id, err := uuid.Parse(data["enrollmentId"].(string))
	require.NoError(t, err)
	e, err := s.store.FindEnrollmentByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 40, e.ProgressPercent)
}

func TestWebhookAuthenticationFailures(t *testing.T) {
	s := newTestServer(t)
	body := map[string]interface{}{"eventType": "enrollment_request", "studentId": "S1", "courseId": "c"}
	unknown := &models.Partner{ID: uuid.New()}

	tests := []struct {
		name    string
		partner *models.Partner
		secret  string
		at      time.Time
		code    string
	}{
		{"stale timestamp", s.partner, testSecret, time.Now().Add(-10 * time.Minute), handlers.CodeStalePayload},
		{"wrong secret", s.partner, "not-the-secret", time.Now(), handlers.CodeInvalidSignature},
		{"unknown partner", unknown, testSecret, time.Now(), handlers.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.webhook(t, tt.partner, tt.secret, tt.at, body)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Code)
		})
	}
	assert.Equal(t, 0, s.store.Counts()["enrollments"])
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.webhook(t, s.partner, testSecret, time.Now(), map[string]interface{}{"eventType": "progress_update", "studentId": "S1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, handlers.CodeValidation, env.Code)
}

func TestPartnerRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/partner/enrollments", nil)
	rec, env := s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, handlers.CodeUnauthenticated, env.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/partner/enrollments", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec, _ = s.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPartnerEnrollmentRoutes(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.webhook(t, s.partner, testSecret, time.Now(), map[string]interface{}{"eventType": "enrollment_request", "studentId": "S1", "courseId": "c-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	enrollmentID := decode[map[string]interface{}](t, env)["enrollmentId"].(string)

	rec, env = s.partnerRequest(t, http.MethodGet, "/api/v1/partner/enrollments?studentId=S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[handlers.EnrollmentPage](t, env)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(1), page.Total)

	rec, env = s.partnerRequest(t, http.MethodPatch, "/api/v1/partner/enrollments/"+enrollmentID, map[string]interface{}{"progressPercent": 55, "watchedSeconds": 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[models.Enrollment](t, env)
	assert.Equal(t, 55, updated.ProgressPercent)
	assert.Equal(t, int64(30), updated.TimeSpentSeconds)

	rec, env = s.partnerRequest(t, http.MethodPost, "/api/v1/partner/enrollments/"+enrollmentID+"/resume-token", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decode[handlers.ResumeTokenResponse](t, env)
	assert.NotEmpty(t, token.Token)
	assert.Contains(t, token.AccessLink, "https://partner.example/course/c-1?student=S1&reg=")

	rec, _ = s.partnerRequest(t, http.MethodGet, "/api/v1/partner/purchasers/S1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	other := testutil.SeedPartner(t, s.store, "other.example", "x", credentials.HashAPIKey("pk_other"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/partner/enrollments/"+enrollmentID, nil)
	req.Header.Set("X-API-Key", "pk_other")
	rec, env = s.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, handlers.CodeNotFound, env.Code)
	assert.NotEqual(t, other.ID, s.partner.ID)
}

func TestPartnerCourseRoutes(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.partnerRequest(t, http.MethodPut, "/api/v1/partner/courses/go-101", map[string]interface{}{"title": "Go 101", "price": 4900})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	course := decode[models.PartnerCourse](t, env)
	assert.Equal(t, "go-101", course.ExternalID)
	assert.True(t, course.Published)

	rec, env = s.partnerRequest(t, http.MethodPut, "/api/v1/partner/courses/go-101", map[string]interface{}{"price": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, handlers.CodeValidation, env.Code)

	rec, env = s.partnerRequest(t, http.MethodGet, "/api/v1/partner/courses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	courses := decode[[]models.PartnerCourse](t, env)
	require.Len(t, courses, 1)
	assert.Equal(t, int64(4900), courses[0].Price)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/partners", nil)
	rec, _ := s.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := s.adminRequest(t, http.MethodPost, "/api/v1/admin/partners", map[string]interface{}{"name": "Acme", "domain": "https://acme.example/"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	creds := decode[services.PartnerCredentials](t, env)
	require.NotEmpty(t, creds.APIKey)
	assert.Equal(t, "acme.example", creds.Partner.Domain)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/partner/courses", nil)
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	rec, _ = s.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.adminRequest(t, http.MethodPost, "/api/v1/admin/partners/"+creds.Partner.ID.String()+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/partner/courses", nil)
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	rec, _ = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = s.webhook(t, s.partner, testSecret, time.Now(), map[string]interface{}{"eventType": "enrollment_request", "studentId": "S9", "courseId": "c-9"})
	require.Equal(t, http.StatusCreated, rec.Code)
	enrollmentID := decode[map[string]interface{}](t, env)["enrollmentId"].(string)

	rec, env = s.adminRequest(t, http.MethodPost, "/api/v1/admin/enrollments/"+enrollmentID+"/suspend", map[string]interface{}{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.EnrollmentSuspended, decode[models.Enrollment](t, env).Status)

	rec, env = s.adminRequest(t, http.MethodPost, "/api/v1/admin/enrollments/"+enrollmentID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EnrollmentInProgress, decode[models.Enrollment](t, env).Status)

	rec, env = s.adminRequest(t, http.MethodGet, "/api/v1/admin/change-events?enrollmentId="+enrollmentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.PartnerChangeEvent](t, env), 3)

	rec, env = s.adminRequest(t, http.MethodPost, "/api/v1/admin/change-events/"+uuid.NewString()+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, handlers.CodeNotFound, env.Code)

	rec, env = s.adminRequest(t, http.MethodGet, "/api/v1/admin/change-events/search", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, handlers.CodeUnavailable, env.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":true`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutines")
}
