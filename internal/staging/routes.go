package staging

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts the review endpoints. guard protects apply/reject.
func SetupRoutes(h *Handlers, guard func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.GetChanges)

	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Post("/apply", h.ApplyChanges)
		r.Post("/reject", h.RejectChanges)
	})

	return r
}
