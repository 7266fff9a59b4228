// Package server exposes the REST surface the settings UI consumes.
// All handlers translate domain errors into a stable envelope with a
// retryable flag; raw upstream error bodies never pass through.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/logger"
	"broker-auth-service/internal/store"
	"broker-auth-service/internal/types"
)

// Pinger is the slice of the store the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds handler dependencies.
type Server struct {
	mgr           interfaces.TokenManager
	cfg           *store.Config
	db            Pinger
	defaultBroker string
}

// New builds the server and its router.
func New(mgr interfaces.TokenManager, cfg *store.Config, db Pinger) *Server {
	return &Server{
		mgr:           mgr,
		cfg:           cfg,
		db:            db,
		defaultBroker: cfg.Broker.DefaultBroker,
	}
}

// Router wires all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/broker/setup-oauth", s.handleSetupOAuth).Methods(http.MethodPost)
	r.HandleFunc("/broker/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/broker/refresh-token", s.handleRefreshToken).Methods(http.MethodPost)
	r.HandleFunc("/broker/token/update", s.handleTokenUpdate).Methods(http.MethodPost)
	r.HandleFunc("/broker/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/broker/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug(r.Context(), "HTTP request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	de := types.Classify(err)
	writeJSON(w, statusForKind(de.Kind), map[string]interface{}{
		"error": de.Info(),
	})
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation, types.KindInvalidCorrelation:
		return http.StatusBadRequest
	case types.KindAuthentication:
		return http.StatusUnauthorized
	case types.KindAuthorization:
		return http.StatusTooManyRequests
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

// badRequest builds a one-off validation error for malformed input.
func badRequest(msg string) error {
	return &types.Error{Kind: types.KindValidation, Code: "INVALID_REQUEST", Message: msg}
}
