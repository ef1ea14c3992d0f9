package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"accesscore.org/internal/audit"
	"accesscore.org/internal/authn"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/presence"
	"accesscore.org/internal/rbac"
	"accesscore.org/internal/store"
	"accesscore.org/internal/stream"
)

// ReadyProbe checks readiness, pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization core.
type API struct {
	mux        *http.ServeMux
	store      store.Store
	authz      *rbac.Service
	authn      *authn.Service
	recorder   *audit.Recorder
	presence   *presence.Tracker
	broker     *stream.Broker
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int

	// wsMu guards the live socket registry so force-disconnects can
	// close the transports, not just the stored sessions.
	wsMu      sync.Mutex
	wsClients map[string]*wsClient
}

// Config carries the wired services.
type Config struct {
	Store    store.Store
	Authz    *rbac.Service
	Authn    *authn.Service
	Recorder *audit.Recorder
	Presence *presence.Tracker
	Broker   *stream.Broker
	Probe    ReadyProbe
	Version  string
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		store:      cfg.Store,
		authz:      cfg.Authz,
		authn:      cfg.Authn,
		recorder:   cfg.Recorder,
		presence:   cfg.Presence,
		broker:     cfg.Broker,
		readyProbe: cfg.Probe,
		version:    cfg.Version,
		rateBurst:  50,
		ratePerSec: 25,
		wsClients:  map[string]*wsClient{},
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// users, roles, permissions
	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissionsCollection)
	a.mux.HandleFunc("/v1/permissions/", a.handlePermissionResource)

	// audit trail
	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/audit/search", a.handleAuditSearch)
	a.mux.HandleFunc("/v1/audit/stats", a.handleAuditStats)

	// presence and sessions
	a.mux.HandleFunc("/v1/presence", a.handlePresence)
	a.mux.HandleFunc("/v1/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)

	// live event feeds
	a.mux.HandleFunc("/v1/stream", a.Stream)
	a.mux.HandleFunc("/ws", a.ServeWS)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accesscore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "accesscore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
