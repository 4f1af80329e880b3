package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os/exec"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/helixml/deskpool/api/pkg/config"
	"github.com/helixml/deskpool/api/pkg/janitor"
	"github.com/helixml/deskpool/api/pkg/metrics"
	"github.com/helixml/deskpool/api/pkg/types"
)

const APIPrefix = "/api"

// InstanceManager is the registry as seen by the HTTP layer
type InstanceManager interface {
	Create(ctx context.Context, sessionID string) (types.Instance, error)
	Get(sessionID string) (types.Instance, error)
	Touch(sessionID string) error
	Remove(ctx context.Context, sessionID string) error
	List() []types.Instance
	Count() int
	Capacity() int
}

// EventSource serves the recorded lifecycle of an instance
type EventSource interface {
	Events(sessionID string) ([]types.InstanceEvent, bool)
}

type Options struct {
	Config   *config.ServerConfig
	Registry InstanceManager
	Events   EventSource
	Janitor  *janitor.Janitor
	Metrics  metrics.Collector
	// LookPath resolves the binaries reported by /health, defaults to exec.LookPath
	LookPath  func(file string) (string, error)
	StartedAt time.Time
}

type DeskpoolAPIServer struct {
	Cfg      *config.ServerConfig
	Janitor  *janitor.Janitor
	registry InstanceManager
	events   EventSource
	metrics  metrics.Collector
	lookPath func(file string) (string, error)

	// createSlots bounds session page requests blocked in Create
	createSlots chan struct{}
	startedAt   time.Time
	page        *template.Template
	router      *mux.Router
}

func NewServer(opts Options) (*DeskpoolAPIServer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Janitor == nil {
		opts.Janitor = janitor.NewJanitor(janitor.JanitorOptions{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	page, err := template.New("session").Parse(sessionPageTemplate)
	if err != nil {
		return nil, fmt.Errorf("error parsing session page: %w", err)
	}

	apiServer := &DeskpoolAPIServer{
		Cfg:         opts.Config,
		Janitor:     opts.Janitor,
		registry:    opts.Registry,
		events:      opts.Events,
		metrics:     opts.Metrics,
		lookPath:    opts.LookPath,
		createSlots: make(chan struct{}, opts.Config.CreateSlots()),
		startedAt:   opts.StartedAt,
		page:        page,
	}

	router, err := apiServer.registerRoutes()
	if err != nil {
		return nil, err
	}
	apiServer.router = router
	return apiServer, nil
}

// Handler exposes the router, mostly for tests
func (apiServer *DeskpoolAPIServer) Handler() http.Handler {
	return apiServer.router
}

// ListenAndServe blocks until ctx is cancelled, then drains open requests
func (apiServer *DeskpoolAPIServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", apiServer.Cfg.WebServer.Host, apiServer.Cfg.WebServer.Port),
		// no write timeout, GET / blocks for the whole readiness probe
		WriteTimeout:      0,
		ReadTimeout:       0,
		ReadHeaderTimeout: time.Second * 60,
		IdleTimeout:       time.Minute * 5,
		Handler:           apiServer.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error shutting down http server")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("deskpool api server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (apiServer *DeskpoolAPIServer) registerRoutes() (*mux.Router, error) {
	router := mux.NewRouter()
	err := apiServer.Janitor.InjectMiddleware(router)
	if err != nil {
		return nil, err
	}
	router.Use(corsMiddleware)
	router.Use(requestLoggingMiddleware)

	router.HandleFunc("/", apiServer.index).Methods(http.MethodGet)
	router.HandleFunc("/health", apiServer.health).Methods(http.MethodGet)
	if apiServer.Cfg.Metrics.Enabled {
		router.Handle("/metrics", apiServer.metrics.Handler()).Methods(http.MethodGet)
	}

	apiRouter := router.PathPrefix(APIPrefix).Subrouter()
	apiRouter.HandleFunc("/stats", apiServer.stats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/instances", apiServer.listInstances).Methods(http.MethodGet)
	apiRouter.HandleFunc("/instance/{id}", apiServer.getInstance).Methods(http.MethodGet)
	apiRouter.HandleFunc("/instance/{id}", apiServer.deleteInstance).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/instance/{id}/heartbeat", apiServer.heartbeat).Methods(http.MethodPost)
	apiRouter.HandleFunc("/instance/{id}/events", apiServer.instanceEvents).Methods(http.MethodGet)
	apiRouter.PathPrefix("/").HandlerFunc(preflight).Methods(http.MethodOptions)

	return router, nil
}
