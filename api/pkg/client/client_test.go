package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instances":[{"id":"abc","status":"running","created_at":1700000000.5,"last_access":1700000010}]}`))
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"active_instances":1,"max_instances":50,"uptime":12.5}`))
	})
	mux.HandleFunc("DELETE /api/instance/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "abc" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"deleted"}`))
	})
	mux.HandleFunc("GET /api/instance/{id}/events", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"events":[{"id":"01","event":"ready","fields":{"port":"6080"}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListInstances(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL, 0, false)
	require.NoError(t, err)

	instances, err := c.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "abc", instances[0].ID)
	assert.InDelta(t, 1700000000.5, instances[0].CreatedAt, 0.001)
}

func TestClient_Stats(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL+"/", 0, false)
	require.NoError(t, err)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveInstances)
	assert.Equal(t, 50, stats.MaxInstances)
}

func TestClient_DeleteInstance(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL, 0, false)
	require.NoError(t, err)

	require.NoError(t, c.DeleteInstance(context.Background(), "abc"))

	err = c.DeleteInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_InstanceEvents(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL, 0, false)
	require.NoError(t, err)

	events, err := c.InstanceEvents(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ready", events[0].Event)
	assert.Equal(t, "6080", events[0].Fields["port"])
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("not a url", 0, false)
	assert.Error(t, err)
}
