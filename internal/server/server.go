package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/config"
	"github.com/agenthub-ai/agenthub/internal/events"
	"github.com/agenthub-ai/agenthub/internal/logger"
	"github.com/agenthub-ai/agenthub/internal/orchestrator"
	"github.com/agenthub-ai/agenthub/internal/registry"
)

// Server exposes the hub over HTTP: turn execution, backend registration,
// direct operation calls, graph inspection and the event stream.
type Server struct {
	cfg           *config.Config
	registry      *registry.Registry
	hub           *events.Hub
	conversations *ConversationStore
	httpServer    *http.Server
	log           *logger.Logger
	quit          chan struct{}

	// seedMu guards the seed config and the set of tenants already seeded.
	seedMu sync.Mutex
	seeds  map[string]*config.BackendConfig
	seeded map[string]bool
}

func New(cfg *config.Config, reg *registry.Registry, hub *events.Hub, conversations *ConversationStore) *Server {
	srv := &Server{
		cfg:           cfg,
		registry:      reg,
		hub:           hub,
		conversations: conversations,
		log:           logger.WithPrefix("server"),
		quit:          make(chan struct{}),
		seeds:         cfg.Backends,
		seeded:        make(map[string]bool),
	}
	// A swept tenant loses its conversations and re-seeds on its next
	// contact.
	reg.Store().OnCleanup(func(tenant string) {
		srv.conversations.DropTenant(tenant)
		srv.seedMu.Lock()
		delete(srv.seeded, tenant)
		srv.seedMu.Unlock()
	})
	return srv
}

// ApplyConfig swaps in reloaded seed backends. Tenants are re-seeded on
// their next contact; an unchanged descriptor leaves the tenant's graph
// alone.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.seedMu.Lock()
	s.seeds = cfg.Backends
	s.seeded = make(map[string]bool)
	s.seedMu.Unlock()
	s.log.Info("seed backends replaced (%d configured)", len(cfg.Backends))
}

// ensureSeeds registers the configured seed backends for a tenant on first
// contact. Seed failures degrade the tenant rather than failing the request.
func (s *Server) ensureSeeds(ctx context.Context, tenant string) {
	s.seedMu.Lock()
	if s.seeded[tenant] {
		s.seedMu.Unlock()
		return
	}
	s.seeded[tenant] = true
	seeds := make(map[string]*config.BackendConfig, len(s.seeds))
	for name, bc := range s.seeds {
		seeds[name] = bc
	}
	s.seedMu.Unlock()

	for name, bc := range seeds {
		if bc.Disabled {
			continue
		}
		desc := backend.Descriptor{
			Name:        name,
			URL:         bc.URL,
			Headers:     bc.Headers,
			DiscoveryOp: bc.DiscoveryOp,
		}
		if err := s.registry.AddBackend(ctx, tenant, desc); err != nil {
			s.log.Warn("seeding backend %q for tenant %q: %v", name, tenant, err)
		}
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	router := httprouter.New()
	router.POST("/v1/tenants/:tenant/turn", s.handleTurn)
	router.POST("/v1/tenants/:tenant/backends", s.handleAddBackend)
	router.DELETE("/v1/tenants/:tenant/backends/:name", s.handleRemoveBackend)
	router.POST("/v1/tenants/:tenant/call", s.handleCall)
	router.GET("/v1/tenants/:tenant/graph", s.handleGraph)
	router.GET("/v1/stats", s.handleStats)
	router.GET("/v1/events", s.handleEvents)
	router.GET("/healthz", s.handleHealth)
	return router
}

// Start runs the event hub, the idle-tenant sweeper and the HTTP listener.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.sweepLoop()

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	s.log.Info("listening on %s", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, the sweeper and the event hub, then tears
// down every tenant session.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.quit)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.Close()
	s.hub.Stop()
	return err
}

func (s *Server) sweepLoop() {
	interval := time.Duration(s.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if dropped := s.registry.Sweep(); dropped > 0 {
				s.log.Info("swept %d idle tenants", dropped)
			}
		case <-s.quit:
			return
		}
	}
}

type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type turnResponse struct {
	ConversationID string `json:"conversation_id"`
	Output         string `json:"output"`
	Invocations    int    `json:"invocations"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")

	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	s.ensureSeeds(r.Context(), tenant)

	graph, err := s.registry.EnsureReady(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	result, err := graph.Run(r.Context(), &orchestrator.Turn{
		Tenant:         tenant,
		ConversationID: req.ConversationID,
		History:        s.conversations.History(tenant, req.ConversationID),
		Input:          req.Message,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.conversations.Append(tenant, req.ConversationID, result.Messages...)
	writeJSON(w, http.StatusOK, turnResponse{
		ConversationID: req.ConversationID,
		Output:         result.Output,
		Invocations:    result.Invocations,
	})
}

type addBackendRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	DiscoveryOp string            `json:"discovery_op,omitempty"`
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")

	var req addBackendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	desc := backend.Descriptor{
		Name:        req.Name,
		URL:         req.URL,
		Headers:     req.Headers,
		DiscoveryOp: req.DiscoveryOp,
	}
	if err := desc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.AddBackend(r.Context(), tenant, desc); err != nil {
		var cooldown *registry.CooldownError
		if errors.As(err, &cooldown) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tenant":  tenant,
		"backend": req.Name,
	})
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")
	name := ps.ByName("name")

	if err := s.registry.RemoveBackend(r.Context(), tenant, name); err != nil {
		var unknown *registry.UnknownBackendError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":  tenant,
		"backend": name,
		"removed": true,
	})
}

type callRequest struct {
	Operation string                 `json:"operation"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type callResponse struct {
	Operation string      `json:"operation"`
	Text      string      `json:"text"`
	Result    interface{} `json:"result,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// handleCall invokes an operation directly, without the model in the loop.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")

	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}

	s.ensureSeeds(r.Context(), tenant)

	if _, err := s.registry.EnsureReady(r.Context(), tenant); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	result, err := s.registry.CallOperation(r.Context(), tenant, req.Operation, req.Arguments)
	if err != nil {
		var unknown *registry.UnknownOperationError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, callResponse{
		Operation: req.Operation,
		Text:      result.Flatten(),
		Result:    result.Structured,
		IsError:   result.IsError,
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tenant := ps.ByName("tenant")

	s.ensureSeeds(r.Context(), tenant)

	graph, err := s.registry.EnsureReady(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	var catalogErrors []string
	for _, cerr := range s.registry.CatalogErrors(tenant) {
		catalogErrors = append(catalogErrors, cerr.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":         tenant,
		"mermaid":        graph.Mermaid(),
		"catalog_errors": catalogErrors,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenants":     s.registry.Stats(),
		"subscribers": s.hub.SubscriberCount(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.hub.ServeWS(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const maxRequestBody = 1 << 20

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
