package upload

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts the upload endpoints behind limit.
func SetupRoutes(h *Handlers, limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Post("/shapefile-clean", h.ProcessShapefile)
		r.Post("/shapefile", h.ProcessShapefile)
	})
	r.Post("/detect-changes", h.DetectChanges)

	return r
}
