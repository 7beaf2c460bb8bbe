package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/health"
	"github.com/latticehq/lattice/pkg/identity"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/permission"
)

// core bundles the resolution surface the daemon serves.
type core struct {
	identity    *identity.Resolver
	permissions *permission.Engine
	monitor     *health.Monitor
	checker     *observability.HealthChecker
	logger      *observability.Logger
}

func newRouter(c *core, promRegistry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware(c.logger))

	r.HandleFunc("/healthz", c.checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.checker.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/v1/connections/health", c.handleConnectionHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/identity/resolve", c.handleResolveIdentity).Methods(http.MethodGet)
	r.HandleFunc("/v1/authz/check", c.handleCheck).Methods(http.MethodPost)

	return r
}

func requestIDMiddleware(logger *observability.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := observability.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, logger)
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (c *core) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	states := c.monitor.States()
	out := make(map[string]string, len(states))
	for name, state := range states {
		out[name] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *core) handleResolveIdentity(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	tenantID := r.URL.Query().Get("tenant_id")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	user, err := c.identity.Resolve(r.Context(), identifier, tenantID)
	if err != nil {
		c.writeResolutionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type checkRequest struct {
	TenantID   string `json:"tenant_id"`
	Identifier string `json:"identifier"`
	Permission string `json:"permission"`
	Scope      string `json:"scope"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	UserID  string `json:"user_id"`
	Schema  string `json:"schema"`
}

func (c *core) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identifier == "" || req.Permission == "" {
		writeError(w, http.StatusBadRequest, "identifier and permission are required")
		return
	}

	scope := permission.Scope(req.Scope)
	if req.Scope == "" {
		scope = permission.ScopeTenant
	}
	if !scope.Valid() {
		writeError(w, http.StatusBadRequest, "unknown scope")
		return
	}

	user, err := c.identity.Resolve(r.Context(), req.Identifier, req.TenantID)
	if err != nil {
		c.writeResolutionError(w, r, err)
		return
	}

	allowed, err := c.permissions.Check(r.Context(), user.SchemaName, user.ID, req.Permission, scope)
	if err != nil {
		c.writeResolutionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Allowed: allowed,
		UserID:  user.ID,
		Schema:  user.SchemaName,
	})
}

func (c *core) writeResolutionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fault.ErrTenantNotFound), errors.Is(err, fault.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fault.ErrTenantSuspended):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, fault.ErrInvalidSchema):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Resolution failed")
		writeError(w, http.StatusServiceUnavailable, "resolution unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
