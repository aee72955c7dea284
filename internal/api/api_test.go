package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/session"
)

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := New("127.0.0.1", 0, nil, nil)
	w := doRequest(t, s, "/api/v1/health")

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStatsReportsSessions(t *testing.T) {
	store := session.NewStore(30*time.Minute, nil)
	store.Touch("ab12")
	store.Touch("cd34")

	s := New("127.0.0.1", 0, store, nil)
	w := doRequest(t, s, "/api/v1/stats")

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ActiveSessions)
	assert.Greater(t, resp.GoRoutines, 0)
	assert.Greater(t, resp.NumCPU, 0)
}

func TestUnknownRouteIs404(t *testing.T) {
	s := New("127.0.0.1", 0, nil, nil)
	w := doRequest(t, s, "/api/v1/zones")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
