package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/marketplace_layer/internal/app"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/events"
	"github.com/R3E-Network/marketplace_layer/internal/middleware"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
)

const (
	employer   = "NEmployer"
	freelancer = "NFreelancer"
)

var secret = []byte("handler-test-secret-0123456789ab")

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	handler http.Handler
	ledger  *settlement.Sandbox
	audit   *AuditLog
	hub     *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ledger := settlement.NewSandbox()
	ledger.Fund(employer, money.XLM, decimal.NewFromInt(500))
	keys, err := signer.NewKeyring(signer.KeyringConfig{MasterKey: bytes.Repeat([]byte{9}, 32), DeriveUnknown: true})
	require.NoError(t, err)

	application, err := app.New(app.Options{Gateway: ledger, Signer: keys}, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	audit := NewAuditLog(10, nil, nil)
	h := NewHandler(Options{
		API:    application.API,
		Events: application.Hub,
		Auth:   middleware.NewAuthMiddleware(secret, nil, nil, middleware.WithAnonymousReads(), middleware.WithUpgradeTokenParam("access_token")),
		Audit:  audit,
		Health: func(context.Context) error { return nil },
	})
	return &testServer{handler: h, ledger: ledger, audit: audit, hub: application.Hub}
}

func (s *testServer) do(t *testing.T, method, path, as string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		token, err := middleware.SignToken(secret, as, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHandlerLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/v1/jobs", employer, map[string]any{
		"title": "Indexer", "description": "Index ledger events", "budget": "120", "currency": "XLM",
		"tags": []string{"go"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		JobID    string `json:"job_id"`
		EscrowID string `json:"escrow_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.EscrowID)
	jobPath := "/v1/jobs/" + created.JobID

	rec, env = s.do(t, http.MethodPost, jobPath+"/applications", freelancer, map[string]any{
		"proposal": "Done it before", "quoted_price": "100", "estimated_duration": "1 week",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var app struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &app))
	appPath := jobPath + "/applications/" + app.ID

	rec, env = s.do(t, http.MethodPost, jobPath+"/applications", freelancer, map[string]any{
		"proposal": "again", "quoted_price": "90",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_APPLICATION", env.Code)

	rec, env = s.do(t, http.MethodPost, appPath+"/accept", freelancer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Code)

	rec, _ = s.do(t, http.MethodPost, appPath+"/accept", employer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = s.do(t, http.MethodPost, appPath+"/completion", freelancer, map[string]any{"deliverables": "repo link"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = s.do(t, http.MethodPost, appPath+"/approve", employer, map[string]any{"rating": 4, "comment": "solid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", env.Status)
	assert.Len(t, s.ledger.Calls(), 1)

	rec, env = s.do(t, http.MethodGet, "/v1/freelancers/"+freelancer+"/reputation", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &tokens))
	require.Len(t, tokens, 1)
	assert.EqualValues(t, 4, tokens[0]["rating"])

	rec, env = s.do(t, http.MethodGet, "/v1/freelancers/"+freelancer+"/reputation/summary?recent=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.EqualValues(t, 1, summary["total_jobs"])

	rec, env = s.do(t, http.MethodGet, "/v1/employers/"+employer+"/escrow-stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.EqualValues(t, 1, stats["completed_count"])

	entries := s.audit.List(0)
	require.NotEmpty(t, entries)
	assert.Equal(t, employer, entries[len(entries)-1].Caller)
}

func TestHandlerAuthAndValidation(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/v1/jobs", "", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", env.Code)

	rec, env = s.do(t, http.MethodPost, "/v1/jobs", employer, map[string]any{"title": "x", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)

	rec, env = s.do(t, http.MethodPost, "/v1/jobs", employer, map[string]any{
		"employer_address": "NSomeoneElse", "title": "t", "description": "d", "budget": "1", "currency": "XLM",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Code)

	rec, env = s.do(t, http.MethodGet, "/v1/jobs?sort_by=sideways", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)

	rec, env = s.do(t, http.MethodGet, "/v1/jobs/404", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/freelancers/"+freelancer+"/reputation/summary?recent=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/v1/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerListJobsQuery(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []map[string]any{
		{"title": "Rust port", "description": "d", "budget": "10", "currency": "XLM", "tags": []string{"rust"}},
		{"title": "Go service", "description": "d", "budget": "200", "currency": "XLM", "tags": []string{"go", "api"}},
	} {
		rec, _ := s.do(t, http.MethodPost, "/v1/jobs", employer, body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec, env := s.do(t, http.MethodGet, "/v1/jobs?sort_by=budget_low", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "Rust port", list[0]["title"])

	rec, env = s.do(t, http.MethodGet, "/v1/jobs?tags=go,api&min_budget=100", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Go service", list[0]["title"])

	rec, env = s.do(t, http.MethodGet, "/v1/employers/"+employer+"/jobs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)
}

func TestHandlerCancelAndDispute(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodPost, "/v1/jobs", employer, map[string]any{
		"title": "t", "description": "d", "budget": "5", "currency": "XLM",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		JobID    string `json:"job_id"`
		EscrowID string `json:"escrow_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	rec, env = s.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/dispute", employer, map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code, "open jobs cannot be disputed")
	assert.Equal(t, "INVALID_STATE_TRANSITION", env.Code)

	rec, env = s.do(t, http.MethodPost, "/v1/escrows/"+created.EscrowID+"/reconcile", employer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/jobs/"+created.JobID+"/cancel", employer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = s.do(t, http.MethodGet, "/v1/jobs/"+created.JobID+"/escrow", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var e map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "cancelled", e["status"])
	assert.Empty(t, s.ledger.Calls())
}

func TestHandlerHealthAndDescriptor(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))

	rec, env = s.do(t, http.MethodGet, "/v1/descriptor", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d struct {
		Operations []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.Len(t, d.Operations, 20)

	rec, _ = s.do(t, http.MethodGet, "/v1/audit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/v1/audit?limit=5", employer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerUnhealthy(t *testing.T) {
	h := NewHandler(Options{Health: func(context.Context) error { return assert.AnError }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditLogRing(t *testing.T) {
	l := NewAuditLog(2, nil, nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		l.add(AuditEntry{Path: p})
	}
	got := l.List(0)
	require.Len(t, got, 2)
	assert.Equal(t, "/b", got[0].Path)
	assert.Equal(t, "/c", l.List(1)[0].Path)
}

func TestHandlerEventFeedRequiresCaller(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodGet, "/ws?address="+employer, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", env.Code)

	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	feed := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(feed+"?address="+employer, nil)
	require.Error(t, err, "an address alone does not open the feed")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dialAs := func(address, query string) *websocket.Conn {
		token, err := middleware.SignToken(secret, address, time.Minute)
		require.NoError(t, err)
		conn, _, err := websocket.DefaultDialer.Dial(feed+"?access_token="+url.QueryEscape(token)+query, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	mine := dialAs(employer, "")
	other := dialAs(freelancer, "&address="+employer)
	require.Eventually(t, func() bool { return s.hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	rec, _ = s.do(t, http.MethodPost, "/v1/jobs", employer, map[string]any{
		"title": "Indexer", "description": "Index ledger events", "budget": "120", "currency": "XLM",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	_ = mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := mine.ReadMessage()
	require.NoError(t, err)
	var evt struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Equal(t, "job_created", evt.Type)

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "the freelancer's feed stays scoped to the freelancer")
}
