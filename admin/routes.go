package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lauditd/lauditd/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Export loop status (no auth, read only)
	r.Get("/status", handlers.handleStatus)

	// Changelog store management
	r.Route("/changelog/{device}", func(r chi.Router) {
		r.Use(chiAuthMiddleware)

		r.Get("/users", handlers.wrapWithStore(handlers.handleListUsers))
		r.Post("/users", handlers.wrapWithStore(handlers.handleRegisterUser))
		r.Delete("/users/{consumer}", handlers.wrapWithStore(handlers.handleDeregisterUser))
		r.Post("/records", handlers.wrapWithStore(handlers.handleAppendRecords))
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

// wrapWithStore extracts the device URL param and checks a store is attached
func (h *AdminHandlers) wrapWithStore(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "changelog store not available")
			return
		}
		device := chi.URLParam(r, "device")
		if device == "" {
			writeErrorResponse(w, http.StatusBadRequest, "device name is required")
			return
		}
		fn(w, r, device)
	}
}

// handleStatus handles GET /admin/status
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "exporter not running")
		return
	}
	writeJSONResponse(w, http.StatusOK, h.exporter.Status())
}
