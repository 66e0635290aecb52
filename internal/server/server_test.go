package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/dbengine/sqlite"
	"github.com/500Foods/Philement-sub001/internal/dbqueue"
)

func testServer(t *testing.T) (*Server, *dbqueue.Manager) {
	t.Helper()

	reg := dbengine.NewRegistry(nil)
	require.NoError(t, reg.Register(sqlite.New(nil)))

	m := dbqueue.NewManager(4, nil)
	t.Cleanup(m.Destroy)

	lead, err := dbqueue.CreateLead("orders", ":memory:", dbqueue.Options{Registry: reg})
	require.NoError(t, err)
	require.NoError(t, lead.StartWorker())
	require.NoError(t, m.AddDatabase(lead))

	return New(":0", m, nil), m
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Databases)
}

func TestStats(t *testing.T) {
	s, _ := testServer(t)

	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats dbqueue.ManagerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Databases)
	require.Len(t, stats.QueueStats, 1)
	assert.Equal(t, "DQM-orders-00-LSMFC", stats.QueueStats[0].Designator)
}

func TestDatabaseByName(t *testing.T) {
	s, m := testServer(t)

	require.NoError(t, m.GetDatabase("orders").SpawnChild(dbqueue.Fast))

	rec := get(t, s, "/databases/orders")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp databaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "orders", resp.Lead.Database)
	require.Len(t, resp.Children, 1)
	assert.Equal(t, "fast", resp.Children[0].Type)
}

func TestDatabaseNotFound(t *testing.T) {
	s, _ := testServer(t)

	rec := get(t, s, "/databases/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
