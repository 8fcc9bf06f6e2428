// Package httpapi is the HTTP surface of the identity core.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tably.dev/internal/authn"
	"tably.dev/internal/authz"
	"tably.dev/internal/obs"
	"tably.dev/internal/rolesync"
)

// ReadyProbe pings the backing store for readiness checks.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the knobs of the HTTP layer.
type Config struct {
	// WebhookSecret authenticates membership webhooks. Empty disables the
	// check (dev only).
	WebhookSecret string
	Version       string
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API wires routes, guards and middleware around the identity services.
type API struct {
	router     *mux.Router
	auth       *authn.Service
	sync       *rolesync.Engine
	callers    *authz.Builder
	readyProbe ReadyProbe
	cfg        Config
}

func New(auth *authn.Service, sync *rolesync.Engine, callers *authz.Builder, rp ReadyProbe, cfg Config) *API {
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	a := &API{
		router:     mux.NewRouter(),
		auth:       auth,
		sync:       sync,
		callers:    callers,
		readyProbe: rp,
		cfg:        cfg,
	}

	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	a.router.HandleFunc("/v1/staff/login", a.handleStaffLogin).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/staff", a.handleCreateStaff).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/restaurants/{id}/staff", a.handleRestaurantStaff).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/staff/{id}", a.handleUpdateStaff).Methods(http.MethodPut)

	a.router.HandleFunc("/v1/role-sync/user", a.handleSyncUser).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/role-sync/organization", a.handleSyncOrganization).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/role-sync/webhook/membership", a.handleMembershipWebhook).Methods(http.MethodPost)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withCaller(h)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSecond)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tably-identity",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tably-identity",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}
