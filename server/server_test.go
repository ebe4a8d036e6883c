package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/fundrag/pkg/refresher"
)

func testServer() *Server {
	ctrl := refresher.New(refresher.Config{
		Sources:   []string{"https://example.com/funds/alpha"},
		Interval:  time.Hour,
		TickEvery: time.Hour,
	}, nil, nil, nil)
	return New(Config{}, nil, nil, nil, nil, ctrl)
}

func TestHandleQuery_RejectsPII(t *testing.T) {
	srv := testServer()

	body := `{"question": "my PAN is ABCDE1234F, what should I buy?"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "personal information")
}

func TestHandleQuery_RejectsAdviceComparison(t *testing.T) {
	srv := testServer()

	body := `{"question": "which fund has better returns, alpha or beta?"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_RejectsBadBody(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefresh_MutuallyExclusiveFlags(t *testing.T) {
	srv := testServer()

	body := `{"scrape_only": true, "ingest_only": true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRefresh_AcceptsThenConflicts(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// The cycle is claimed but no run loop is draining it; a second trigger
	// must be refused.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/refresh", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRefreshStatus(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/refresh-status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp["state"])
	assert.NotContains(t, resp, "last_error")
}

func TestHandleIngest_RequiresDataDir(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearch_RequiresQuery(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(`{"k": 3}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
