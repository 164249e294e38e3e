package api

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/ignite/capi-relay/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. Operator endpoints require a login
// session; the trigger and ingest endpoints also accept the machine bearer
// token so the scheduler and upstream producers can call them headlessly.
func SetupRoutes(h *Handlers, hc *HealthChecker, authManager *auth.Manager, triggerToken string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks (no auth required)
	if hc != nil {
		r.Get("/health", hc.HandleHealth)
		r.Get("/health/ready", hc.HandleReadiness)
	}

	// Auth routes (no auth required)
	if authManager != nil {
		r.Get("/auth/login", authManager.HandleLogin)
		r.Get("/auth/callback", authManager.HandleCallback)
		r.Get("/auth/logout", authManager.HandleLogout)
		r.Get("/auth/user", authManager.HandleUserInfo)
	}

	devMode := os.Getenv("DEV_MODE") == "true" || os.Getenv("ENVIRONMENT") == "development"

	r.Route("/api", func(r chi.Router) {
		if !devMode {
			r.Use(requireCaller(authManager, triggerToken))
		}

		r.Post("/capi/run", h.TriggerRun)
		r.Post("/events", h.IngestEvent)
		r.Get("/events/{id}/dry-run", h.DryRunEvent)
		r.Post("/events/{id}/requeue", h.RequeueEvent)
		r.Get("/tenants/{orgID}/health", h.GetTenantHealth)
	})

	return r
}

// requireCaller admits requests carrying either a live operator session or
// the machine bearer token.
func requireCaller(authManager *auth.Manager, triggerToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if bearerTokenMatches(req, triggerToken) {
				next.ServeHTTP(w, req)
				return
			}
			if authManager != nil && authManager.IsAuthenticated(req) {
				next.ServeHTTP(w, req)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
		})
	}
}

func bearerTokenMatches(req *http.Request, token string) bool {
	if token == "" {
		return false
	}
	const prefix = "Bearer "
	header := req.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(token)) == 1
}
