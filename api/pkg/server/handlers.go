package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/helixml/deskpool/api/pkg/registry"
	"github.com/helixml/deskpool/api/pkg/system"
	"github.com/helixml/deskpool/api/pkg/types"
)

const (
	msgCapacityExhausted = "Error: no more instances can be created right now. Please try again later."
	msgStartFailed       = "Error: your instance failed to start. Please try again later."
	msgBusy              = "Error: too many sessions are starting at once. Please try again in a moment."
)

// index starts a new instance and serves the page that embeds it. It blocks
// until the instance is ready or has failed.
func (apiServer *DeskpoolAPIServer) index(res http.ResponseWriter, req *http.Request) {
	select {
	case apiServer.createSlots <- struct{}{}:
		defer func() { <-apiServer.createSlots }()
	default:
		log.Ctx(req.Context()).Warn().Int("slots", cap(apiServer.createSlots)).Msg("rejecting session, too many creations in flight")
		http.Error(res, msgBusy, http.StatusServiceUnavailable)
		return
	}

	sessionID := system.GenerateSessionID()
	inst, err := apiServer.registry.Create(req.Context(), sessionID)
	if err != nil {
		apiServer.reportCreateError(req, sessionID, err)
		http.Error(res, createErrorMessage(err), http.StatusServiceUnavailable)
		return
	}

	data := sessionPageData{
		SessionID:    inst.SessionID,
		MaxInstances: apiServer.registry.Capacity(),
		PublicHost:   apiServer.Cfg.WebServer.PublicHost,
	}
	res.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := apiServer.page.Execute(res, data); err != nil {
		log.Ctx(req.Context()).Error().Err(err).Str("session_id", sessionID).Msg("error rendering session page")
	}
}

func (apiServer *DeskpoolAPIServer) reportCreateError(req *http.Request, sessionID string, err error) {
	logger := log.Ctx(req.Context())
	switch {
	case errors.Is(err, registry.ErrCapacityExhausted):
		logger.Warn().Err(err).Msg("instance pool exhausted")
		apiServer.Janitor.ReportCapacityExhausted(apiServer.registry.Count(), apiServer.registry.Capacity())
	case errors.Is(err, registry.ErrAllocationFailed):
		// ports held outside the registry or a lost race, retrying later can succeed
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("no free display/port triple")
	case errors.Is(err, registry.ErrShuttingDown):
		logger.Info().Msg("rejecting session during shutdown")
	default:
		logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to create instance")
		apiServer.Janitor.ReportStartFailure(sessionID, err)
	}
}

func createErrorMessage(err error) string {
	if errors.Is(err, registry.ErrCapacityExhausted) ||
		errors.Is(err, registry.ErrAllocationFailed) ||
		errors.Is(err, registry.ErrShuttingDown) {
		return msgCapacityExhausted
	}
	return msgStartFailed
}

func (apiServer *DeskpoolAPIServer) stats(res http.ResponseWriter, req *http.Request) {
	system.Wrapper(func(_ http.ResponseWriter, _ *http.Request) (*types.StatsResponse, *system.HTTPError) {
		return &types.StatsResponse{
			ActiveInstances: apiServer.registry.Count(),
			MaxInstances:    apiServer.registry.Capacity(),
			Uptime:          time.Since(apiServer.startedAt).Seconds(),
		}, nil
	})(res, req)
}

func (apiServer *DeskpoolAPIServer) listInstances(res http.ResponseWriter, req *http.Request) {
	system.Wrapper(func(_ http.ResponseWriter, _ *http.Request) (*types.InstanceListResponse, *system.HTTPError) {
		list := apiServer.registry.List()
		instances := make([]types.InstanceSummary, 0, len(list))
		for i := range list {
			instances = append(instances, list[i].ToSummary())
		}
		return &types.InstanceListResponse{Instances: instances}, nil
	})(res, req)
}

// getInstance is polled by the session page until the instance is running
func (apiServer *DeskpoolAPIServer) getInstance(res http.ResponseWriter, req *http.Request) {
	system.WrapperWithConfig(func(_ http.ResponseWriter, req *http.Request) (*types.InstanceResponse, *system.HTTPError) {
		inst, err := apiServer.registry.Get(mux.Vars(req)["id"])
		if err != nil {
			return nil, notFound(err)
		}
		return inst.ToResponse(), nil
	}, system.WrapperConfig{SilenceErrors: true})(res, req)
}

func (apiServer *DeskpoolAPIServer) heartbeat(res http.ResponseWriter, req *http.Request) {
	system.WrapperWithConfig(func(_ http.ResponseWriter, req *http.Request) (*types.StatusResponse, *system.HTTPError) {
		if err := apiServer.registry.Touch(mux.Vars(req)["id"]); err != nil {
			return nil, notFound(err)
		}
		return &types.StatusResponse{Status: types.APIStatusOK}, nil
	}, system.WrapperConfig{SilenceErrors: true})(res, req)
}

func (apiServer *DeskpoolAPIServer) deleteInstance(res http.ResponseWriter, req *http.Request) {
	system.Wrapper(func(_ http.ResponseWriter, req *http.Request) (*types.StatusResponse, *system.HTTPError) {
		sessionID := mux.Vars(req)["id"]
		if err := apiServer.registry.Remove(req.Context(), sessionID); err != nil {
			return nil, system.NewHTTPError500(err.Error()).WithBody(types.StatusResponse{Status: types.APIStatusError})
		}
		return &types.StatusResponse{Status: types.APIStatusDeleted}, nil
	})(res, req)
}

func (apiServer *DeskpoolAPIServer) instanceEvents(res http.ResponseWriter, req *http.Request) {
	system.WrapperWithConfig(func(_ http.ResponseWriter, req *http.Request) (*types.InstanceEventsResponse, *system.HTTPError) {
		sessionID := mux.Vars(req)["id"]
		if apiServer.events == nil {
			return nil, notFound(registry.ErrNotFound)
		}
		events, ok := apiServer.events.Events(sessionID)
		if !ok {
			return nil, notFound(registry.ErrNotFound)
		}
		return &types.InstanceEventsResponse{Events: events}, nil
	}, system.WrapperConfig{SilenceErrors: true})(res, req)
}

func (apiServer *DeskpoolAPIServer) health(res http.ResponseWriter, req *http.Request) {
	system.Wrapper(func(_ http.ResponseWriter, _ *http.Request) (*types.HealthResponse, *system.HTTPError) {
		dependencies := make(map[string]bool, len(apiServer.Cfg.Instances.Dependencies))
		for _, dep := range apiServer.Cfg.Instances.Dependencies {
			_, err := apiServer.lookPath(dep)
			dependencies[dep] = err == nil
		}

		script := apiServer.Cfg.Instances.BootstrapScript
		return &types.HealthResponse{
			Status:       types.APIStatusHealthy,
			Instances:    apiServer.registry.Count(),
			Dependencies: dependencies,
			Scripts:      map[string]bool{script: isExecutable(script)},
		}, nil
	})(res, req)
}

func notFound(err error) *system.HTTPError {
	return system.NewHTTPError404(err.Error()).WithBody(types.StatusResponse{Status: types.APIStatusNotFound})
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
