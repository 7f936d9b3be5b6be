package engine

import (
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"countersync/internal/counters"
)

// API serves the snapshot read surface and scope controls over HTTP.
type API struct {
	cache   *Cache
	scope   *Scope
	engaged *EngagedFlag
	logger  *slog.Logger
}

// NewAPI creates the HTTP API handler.
func NewAPI(cache *Cache, scope *Scope, engaged *EngagedFlag, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{cache: cache, scope: scope, engaged: engaged, logger: logger}
}

// RegisterRoutes registers API routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/snapshot", a.handleSnapshot)
	mux.HandleFunc("POST /api/v1/refresh", a.handleRefresh)
	mux.HandleFunc("GET /api/v1/scope", a.handleScopeGet)
	mux.HandleFunc("PUT /api/v1/scope", a.handleScopeSet)
	mux.HandleFunc("DELETE /api/v1/scope", a.handleScopeClear)
	mux.HandleFunc("PUT /api/v1/engaged", a.handleEngaged)
}

// SnapshotResponse is the body of GET /api/v1/snapshot.
type SnapshotResponse struct {
	Snapshot    counters.Snapshot `json:"snapshot"`
	LastValid   counters.Snapshot `json:"last_valid"`
	GroupID     uint32            `json:"group_id"`
	ShouldFetch bool              `json:"should_fetch"`
	Engaged     bool              `json:"engaged"`
}

// ScopeRequest is the body of PUT /api/v1/scope and the response of the
// scope endpoints.
type ScopeRequest struct {
	GroupID uint32 `json:"group_id"`
}

// EngagedRequest is the body of PUT /api/v1/engaged.
type EngagedRequest struct {
	Engaged bool `json:"engaged"`
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, SnapshotResponse{
		Snapshot:    a.cache.Snapshot(),
		LastValid:   a.cache.LastValid(),
		GroupID:     a.scope.Group(),
		ShouldFetch: a.cache.ShouldFetch(r.Context()),
		Engaged:     a.engaged != nil && a.engaged.Engaged(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	a.cache.ForceUpdate()
	a.logger.Info("refresh requested via API")
	writeJSONResponse(w, map[string]string{"status": "scheduled"})
}

func (a *API) handleScopeGet(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, ScopeRequest{GroupID: a.scope.Group()})
}

func (a *API) handleScopeSet(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.scope.SetGroup(req.GroupID)
	writeJSONResponse(w, ScopeRequest{GroupID: a.scope.Group()})
}

func (a *API) handleScopeClear(w http.ResponseWriter, _ *http.Request) {
	a.scope.ClearGroup()
	writeJSONResponse(w, ScopeRequest{GroupID: 0})
}

func (a *API) handleEngaged(w http.ResponseWriter, r *http.Request) {
	if a.engaged == nil {
		writeJSONError(w, http.StatusNotImplemented, "engaged flag not configured")
		return
	}
	var req EngagedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.engaged.Set(req.Engaged)
	a.logger.Info("engaged flag set via API", "engaged", req.Engaged)
	writeJSONResponse(w, req)
}

// writeJSONResponse writes a JSON response with status 200.
func writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
