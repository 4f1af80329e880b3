package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/helixml/deskpool/api/pkg/config"
	"github.com/helixml/deskpool/api/pkg/registry"
	"github.com/helixml/deskpool/api/pkg/types"
)

type fakeManager struct {
	mu        sync.Mutex
	instances map[string]types.Instance
	capacity  int
	createErr error
	created   chan struct{}
	release   chan struct{}
}

func newFakeManager(capacity int) *fakeManager {
	return &fakeManager{instances: map[string]types.Instance{}, capacity: capacity}
}

func (f *fakeManager) Create(_ context.Context, sessionID string) (types.Instance, error) {
	if f.created != nil {
		f.created <- struct{}{}
		<-f.release
	}
	if f.createErr != nil {
		return types.Instance{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := types.Instance{
		SessionID: sessionID,
		State:     types.InstanceStateRunning,
		Resources: types.ResourceTriple{Display: 99, VNCPort: 5900, NoVNCPort: 6080},
		CreatedAt: time.Unix(1700000000, 0),
	}
	f.instances[sessionID] = inst
	return inst, nil
}

func (f *fakeManager) Get(sessionID string) (types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[sessionID]
	if !ok {
		return types.Instance{}, registry.ErrNotFound
	}
	return inst, nil
}

func (f *fakeManager) Touch(sessionID string) error {
	_, err := f.Get(sessionID)
	return err
}

func (f *fakeManager) Remove(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[sessionID]; !ok {
		return registry.ErrNotFound
	}
	delete(f.instances, sessionID)
	return nil
}

func (f *fakeManager) List() []types.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]types.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		list = append(list, inst)
	}
	return list
}

func (f *fakeManager) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

func (f *fakeManager) Capacity() int { return f.capacity }

type fakeEvents map[string][]types.InstanceEvent

func (f fakeEvents) Events(sessionID string) ([]types.InstanceEvent, bool) {
	events, ok := f[sessionID]
	return events, ok
}

type ServerSuite struct {
	suite.Suite

	cfg     *config.ServerConfig
	manager *fakeManager
	events  fakeEvents
	server  *DeskpoolAPIServer
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	script := filepath.Join(s.T().TempDir(), "start-instance.sh")
	s.Require().NoError(os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	s.cfg = &config.ServerConfig{}
	s.cfg.Pool.MaxInstances = 2
	s.cfg.Instances.BootstrapScript = script
	s.cfg.Instances.Dependencies = []string{"Xvfb", "websockify"}
	s.cfg.Metrics.Enabled = true

	s.manager = newFakeManager(2)
	s.events = fakeEvents{}
	s.server = s.newServer()
}

func (s *ServerSuite) newServer() *DeskpoolAPIServer {
	srv, err := NewServer(Options{
		Config:   s.cfg,
		Registry: s.manager,
		Events:   s.events,
		LookPath: func(file string) (string, error) {
			if file == "Xvfb" {
				return "/usr/bin/Xvfb", nil
			}
			return "", errors.New("not found")
		},
		StartedAt: time.Now().Add(-time.Minute),
	})
	s.Require().NoError(err)
	return srv
}

func (s *ServerSuite) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v))
}

func (s *ServerSuite) TestIndex_CreatesInstanceAndRendersPage() {
	rec := s.do(http.MethodGet, "/")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Header().Get("Content-Type"), "text/html")

	list := s.manager.List()
	s.Require().Len(list, 1)
	s.Contains(rec.Body.String(), list[0].SessionID)
	s.Contains(rec.Body.String(), "vnc.html?autoconnect=true")
}

func (s *ServerSuite) TestIndex_CapacityExhausted() {
	s.manager.createErr = registry.ErrCapacityExhausted

	rec := s.do(http.MethodGet, "/")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Contains(rec.Body.String(), "no more instances")
}

func (s *ServerSuite) TestIndex_AllocationFailedIsCapacity() {
	s.manager.createErr = fmt.Errorf("%w: lost the allocation race", registry.ErrAllocationFailed)

	rec := s.do(http.MethodGet, "/")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Contains(rec.Body.String(), "no more instances")
	s.NotContains(rec.Body.String(), "failed to start")
}

func (s *ServerSuite) TestIndex_StartFailed() {
	s.manager.createErr = registry.ErrReadinessTimeout

	rec := s.do(http.MethodGet, "/")
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Contains(rec.Body.String(), "failed to start")
}

func (s *ServerSuite) TestIndex_RejectsWhenCreateSlotsFull() {
	s.cfg.Instances.CreateConcurrency = 1
	s.manager.created = make(chan struct{})
	s.manager.release = make(chan struct{})
	s.server = s.newServer()

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- s.do(http.MethodGet, "/")
	}()
	<-s.manager.created

	rec := s.do(http.MethodGet, "/")
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	close(s.manager.release)
	first := <-done
	s.Equal(http.StatusOK, first.Code)
}

func (s *ServerSuite) TestStats() {
	_, err := s.manager.Create(context.Background(), "a")
	s.Require().NoError(err)

	rec := s.do(http.MethodGet, "/api/stats")
	s.Equal(http.StatusOK, rec.Code)

	var stats types.StatsResponse
	s.decode(rec, &stats)
	s.Equal(1, stats.ActiveInstances)
	s.Equal(2, stats.MaxInstances)
	s.GreaterOrEqual(stats.Uptime, 59.0)
}

func (s *ServerSuite) TestGetInstance() {
	_, err := s.manager.Create(context.Background(), "abc")
	s.Require().NoError(err)

	rec := s.do(http.MethodGet, "/api/instance/abc")
	s.Equal(http.StatusOK, rec.Code)

	var resp types.InstanceResponse
	s.decode(rec, &resp)
	s.Equal(types.InstanceStateRunning, resp.Status)
	s.Equal(6080, resp.NoVNCPort)
	s.Equal(5900, resp.VNCPort)
	s.InDelta(1700000000.0, resp.CreatedAt, 0.001)
}

func (s *ServerSuite) TestGetInstance_NotFound() {
	rec := s.do(http.MethodGet, "/api/instance/missing")
	s.Equal(http.StatusNotFound, rec.Code)

	var resp types.StatusResponse
	s.decode(rec, &resp)
	s.Equal(types.APIStatusNotFound, resp.Status)
}

func (s *ServerSuite) TestHeartbeat() {
	_, err := s.manager.Create(context.Background(), "abc")
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/api/instance/abc/heartbeat")
	s.Equal(http.StatusOK, rec.Code)
	var resp types.StatusResponse
	s.decode(rec, &resp)
	s.Equal(types.APIStatusOK, resp.Status)

	rec = s.do(http.MethodPost, "/api/instance/missing/heartbeat")
	s.Equal(http.StatusNotFound, rec.Code)
	s.decode(rec, &resp)
	s.Equal(types.APIStatusNotFound, resp.Status)
}

func (s *ServerSuite) TestDeleteInstance() {
	_, err := s.manager.Create(context.Background(), "abc")
	s.Require().NoError(err)

	rec := s.do(http.MethodDelete, "/api/instance/abc")
	s.Equal(http.StatusOK, rec.Code)
	var resp types.StatusResponse
	s.decode(rec, &resp)
	s.Equal(types.APIStatusDeleted, resp.Status)
	s.Equal(0, s.manager.Count())

	rec = s.do(http.MethodDelete, "/api/instance/abc")
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.decode(rec, &resp)
	s.Equal(types.APIStatusError, resp.Status)
}

func (s *ServerSuite) TestListInstances() {
	rec := s.do(http.MethodGet, "/api/instances")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"instances":[]}`, rec.Body.String())

	_, err := s.manager.Create(context.Background(), "abc")
	s.Require().NoError(err)

	rec = s.do(http.MethodGet, "/api/instances")
	var resp types.InstanceListResponse
	s.decode(rec, &resp)
	s.Require().Len(resp.Instances, 1)
	s.Equal("abc", resp.Instances[0].ID)
	s.Equal(types.InstanceStateRunning, resp.Instances[0].Status)
}

func (s *ServerSuite) TestInstanceEvents() {
	s.events["abc"] = []types.InstanceEvent{{ID: "1", Event: "ready"}}

	rec := s.do(http.MethodGet, "/api/instance/abc/events")
	s.Equal(http.StatusOK, rec.Code)
	var resp types.InstanceEventsResponse
	s.decode(rec, &resp)
	s.Require().Len(resp.Events, 1)
	s.Equal("ready", resp.Events[0].Event)

	rec = s.do(http.MethodGet, "/api/instance/missing/events")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health")
	s.Equal(http.StatusOK, rec.Code)

	var resp types.HealthResponse
	s.decode(rec, &resp)
	s.Equal(types.APIStatusHealthy, resp.Status)
	s.Equal(map[string]bool{"Xvfb": true, "websockify": false}, resp.Dependencies)
	s.Equal(map[string]bool{s.cfg.Instances.BootstrapScript: true}, resp.Scripts)
}

func (s *ServerSuite) TestHealth_ScriptNotExecutable() {
	s.Require().NoError(os.Chmod(s.cfg.Instances.BootstrapScript, 0o644))

	rec := s.do(http.MethodGet, "/health")
	var resp types.HealthResponse
	s.decode(rec, &resp)
	s.False(resp.Scripts[s.cfg.Instances.BootstrapScript])
}

func (s *ServerSuite) TestMetricsRoute() {
	// the noop collector answers 404, but the route must exist
	rec := s.do(http.MethodGet, "/metrics")
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/metrics")
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *ServerSuite) TestCORSHeaders() {
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Origin", "http://other.example")
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func (s *ServerSuite) TestCORSPreflight() {
	for _, path := range []string{"/api/instance/abc", "/api/instance/abc/heartbeat", "/api/stats"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "http://other.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
		rec := httptest.NewRecorder()
		s.server.Handler().ServeHTTP(rec, req)

		s.Equal(http.StatusNoContent, rec.Code, path)
		s.Equal("*", rec.Header().Get("Access-Control-Allow-Origin"), path)
		s.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete, path)
	}
}

func (s *ServerSuite) TestRequestIDHeader() {
	rec := s.do(http.MethodGet, "/api/stats")
	s.NotEmpty(rec.Header().Get("X-Request-ID"))
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(Options{Config: &config.ServerConfig{}})
	assert.Error(t, err)

	_, err = NewServer(Options{Registry: newFakeManager(1)})
	require.Error(t, err)
}
