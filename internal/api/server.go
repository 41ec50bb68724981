// Package api provides the HTTP and WebSocket reporting boundary. Engines
// do the work; the server only schedules jobs, tracks their state and
// serializes results.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantlab/backtester/internal/backtest"
	"github.com/quantlab/backtester/internal/config"
	"github.com/quantlab/backtester/internal/data"
	"github.com/quantlab/backtester/internal/montecarlo"
	"github.com/quantlab/backtester/internal/optimizer"
	"github.com/quantlab/backtester/internal/strategy"
	"github.com/quantlab/backtester/pkg/types"
)

// Job lifecycle states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	appConfig  *config.AppConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	store     *data.Store
	registry  *strategy.Registry
	runner    *backtest.Runner
	optimizer *optimizer.Engine
	mc        *montecarlo.Engine
	gatherer  prometheus.Gatherer

	jobs map[string]*JobState
}

// JobState tracks one asynchronous run. Cancel is nil for jobs that cannot
// be interrupted once started.
type JobState struct {
	ID       string
	Kind     string // backtest, optimize, montecarlo
	Status   string
	Started  time.Time
	Error    string
	Backtest *types.BacktestResult
	Search   *types.SearchResult
	Resample *types.ResampleResult
	Cancel   context.CancelFunc
}

// NewServer creates the API server and wires its routes.
func NewServer(
	logger *zap.Logger,
	appConfig *config.AppConfig,
	store *data.Store,
	registry *strategy.Registry,
	runner *backtest.Runner,
	opt *optimizer.Engine,
	mc *montecarlo.Engine,
	gatherer prometheus.Gatherer,
) *Server {
	s := &Server{
		logger:    logger,
		appConfig: appConfig,
		router:    mux.NewRouter(),
		clients:   make(map[string]*Client),
		store:     store,
		registry:  registry,
		runner:    runner,
		optimizer: opt,
		mc:        mc,
		gatherer:  gatherer,
		jobs:      make(map[string]*JobState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.setupRoutes()
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/instruments", s.handleInstruments).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/equity", s.handleGetEquity).Methods("GET")

	s.router.HandleFunc("/api/v1/optimize/run", s.handleRunOptimize).Methods("POST")
	s.router.HandleFunc("/api/v1/optimize/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/optimize/{id}/cancel", s.handleCancelJob).Methods("POST")

	s.router.HandleFunc("/api/v1/montecarlo/run", s.handleRunMonteCarlo).Methods("POST")
	s.router.HandleFunc("/api/v1/montecarlo/{id}", s.handleGetJob).Methods("GET")

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.HandleFunc(s.appConfig.Server.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.appConfig.Server.Host, s.appConfig.Server.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.appConfig.Server.ReadTimeout,
		WriteTimeout: s.appConfig.Server.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop closes WebSocket clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.Available()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.registry.List(),
	})
}

// BacktestRequest is the run endpoint's body.
type BacktestRequest struct {
	Config types.RunConfig `json:"config"`
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := &req.Config
	s.appConfig.ApplyDefaults(cfg)

	gen, ok := s.registry.Create(cfg.Strategy)
	if !ok {
		http.Error(w, "unknown strategy: "+cfg.Strategy, http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	coll, err := s.store.LoadCollection(cfg.Instruments)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.newJob("backtest", nil)

	go func() {
		model, err := backtest.CostModelFor(cfg)
		if err == nil {
			var result *types.BacktestResult
			result, err = s.runner.Run(coll, gen, model, cfg)
			if err == nil {
				s.completeJob(job.ID, func(j *JobState) { j.Backtest = result })
				return
			}
		}
		s.failJob(job.ID, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      job.ID,
		"status":  StatusRunning,
		"started": job.Started.Unix(),
	})
}

// OptimizeRequest is the optimization endpoint's body.
type OptimizeRequest struct {
	Config  types.RunConfig     `json:"config"`
	Space   types.ParamSpace    `json:"space"`
	Options types.SearchOptions `json:"options"`
}

func (s *Server) handleRunOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := &req.Config
	s.appConfig.ApplyDefaults(cfg)

	factory, ok := s.registry.Factory(cfg.Strategy)
	if !ok {
		http.Error(w, "unknown strategy: "+cfg.Strategy, http.StatusBadRequest)
		return
	}

	coll, err := s.store.LoadCollection(cfg.Instruments)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := s.newJob("optimize", cancel)

	go func() {
		defer cancel()
		model, err := backtest.CostModelFor(cfg)
		if err == nil {
			var result *types.SearchResult
			result, err = s.optimizer.Search(ctx, coll, factory, req.Space, model, cfg, req.Options)
			if err == nil {
				s.completeJob(job.ID, func(j *JobState) { j.Search = result })
				return
			}
		}
		if ctx.Err() != nil {
			s.cancelState(job.ID)
			return
		}
		s.failJob(job.ID, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      job.ID,
		"status":  StatusRunning,
		"started": job.Started.Unix(),
	})
}

// MonteCarloRequest resamples a completed backtest job.
type MonteCarloRequest struct {
	BacktestID string                `json:"backtestId"`
	Options    types.ResampleOptions `json:"options"`
}

func (s *Server) handleRunMonteCarlo(w http.ResponseWriter, r *http.Request) {
	var req MonteCarloRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	source, ok := s.lookupJob(req.BacktestID)
	if !ok || source.Backtest == nil {
		http.Error(w, "no completed backtest with that id", http.StatusNotFound)
		return
	}

	job := s.newJob("montecarlo", nil)

	go func() {
		result, err := s.mc.Resample(context.Background(), source.Backtest, req.Options)
		if err != nil {
			s.failJob(job.ID, err)
			return
		}
		s.completeJob(job.ID, func(j *JobState) { j.Resample = result })
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      job.ID,
		"status":  StatusRunning,
		"started": job.Started.Unix(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":      job.ID,
		"kind":    job.Kind,
		"status":  job.Status,
		"started": job.Started.Unix(),
	}
	if job.Error != "" {
		response["error"] = job.Error
	}
	switch {
	case job.Backtest != nil:
		response["result"] = job.Backtest
	case job.Search != nil:
		response["result"] = job.Search
	case job.Resample != nil:
		response["result"] = job.Resample
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Backtest == nil {
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     job.ID,
		"trades": job.Backtest.Ledger,
		"count":  len(job.Backtest.Ledger),
	})
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Backtest == nil {
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     job.ID,
		"equity": job.Backtest.EquityCurve,
		"count":  len(job.Backtest.EquityCurve),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status != StatusRunning || job.Cancel == nil {
		http.Error(w, "job not cancellable", http.StatusBadRequest)
		return
	}

	job.Cancel()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     job.ID,
		"status": StatusCancelled,
	})
}

func (s *Server) newJob(kind string, cancel context.CancelFunc) *JobState {
	job := &JobState{
		ID:      uuid.New().String(),
		Kind:    kind,
		Status:  StatusRunning,
		Started: time.Now(),
		Cancel:  cancel,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

// lookupJob returns a snapshot copy of the job taken under the lock. The
// live JobState is mutated by worker goroutines under s.mu; handlers must
// never read fields off the shared pointer.
func (s *Server) lookupJob(id string) (JobState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return *job, true
}

func (s *Server) completeJob(id string, attach func(*JobState)) {
	s.mu.Lock()
	job := s.jobs[id]
	job.Status = StatusCompleted
	attach(job)
	s.mu.Unlock()

	s.broadcastEvent("job:complete", map[string]interface{}{
		"id":     id,
		"kind":   job.Kind,
		"status": StatusCompleted,
	})
}

func (s *Server) failJob(id string, err error) {
	s.mu.Lock()
	job := s.jobs[id]
	job.Status = StatusFailed
	job.Error = err.Error()
	s.mu.Unlock()

	s.logger.Error("job failed", zap.String("id", id), zap.Error(err))
	s.broadcastEvent("job:complete", map[string]interface{}{
		"id":     id,
		"kind":   job.Kind,
		"status": StatusFailed,
		"error":  err.Error(),
	})
}

func (s *Server) cancelState(id string) {
	s.mu.Lock()
	job := s.jobs[id]
	job.Status = StatusCancelled
	s.mu.Unlock()

	s.broadcastEvent("job:complete", map[string]interface{}{
		"id":     id,
		"kind":   job.Kind,
		"status": StatusCancelled,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
