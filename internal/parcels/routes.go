package parcels

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.ListParcels)
	r.Post("/", h.CreateParcel)
	r.Get("/at", h.FindParcels)
	r.Get("/{id}", h.GetParcel)
	r.Put("/{id}", h.UpdateParcel)
	r.Delete("/{id}", h.DeleteParcel)

	return r
}
