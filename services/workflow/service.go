package workflow

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Service exposes the engine and the graph validator over HTTP.
type Service struct {
	engine    *Engine
	validator *GraphValidator
	catalog   NodeTypeCatalog
	logger    *slog.Logger
}

// NewService wires the HTTP layer to an engine. A nil catalog falls back to
// the built-in handler catalog.
func NewService(engine *Engine, catalog NodeTypeCatalog, logger *slog.Logger) *Service {
	if catalog == nil {
		catalog = BuiltinCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:    engine,
		validator: NewGraphValidator(),
		catalog:   catalog,
		logger:    logger.With("component", "http"),
	}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	workflows := parentRouter.PathPrefix("/workflows").Subrouter()
	workflows.StrictSlash(false)
	workflows.Use(jsonMiddleware)

	workflows.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	workflows.HandleFunc("", s.HandleRegisterWorkflow).Methods("POST")
	workflows.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	workflows.HandleFunc("/{id}/instances", s.HandleStartWorkflow).Methods("POST")

	instances := parentRouter.PathPrefix("/instances").Subrouter()
	instances.Use(jsonMiddleware)

	instances.HandleFunc("/{id}", s.HandleGetInstance).Methods("GET")
	instances.HandleFunc("/{id}/cancel", s.HandleCancelInstance).Methods("POST")
	instances.HandleFunc("/{id}/pause", s.HandlePauseInstance).Methods("POST")
	instances.HandleFunc("/{id}/resume", s.HandleResumeInstance).Methods("POST")

	graphs := parentRouter.PathPrefix("/graphs").Subrouter()
	graphs.Use(jsonMiddleware)

	graphs.HandleFunc("/validate", s.HandleValidateGraph).Methods("POST")
}
