package parcels

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/citymasterplan/geostore/internal/cache"
	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DataModeHeader marks responses served from demo data.
const DataModeHeader = "X-Data-Mode"

type Handlers struct {
	stores   *db.Fallback[Store]
	cache    cache.Cache
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewHandlers(stores *db.Fallback[Store], c cache.Cache, cacheTTL time.Duration, log *zap.Logger) *Handlers {
	return &Handlers{stores: stores, cache: c, cacheTTL: cacheTTL, log: log}
}

func (h *Handlers) pick(w http.ResponseWriter, r *http.Request) (Store, bool) {
	store, degraded := h.stores.Pick(r.Context())
	if degraded {
		w.Header().Set(DataModeHeader, "demo")
	}
	return store, degraded
}

func (h *Handlers) ListParcels(w http.ResponseWriter, r *http.Request) {
	store, degraded := h.pick(w, r)

	if !degraded {
		if cached, ok := h.cache.Get(r.Context(), CacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write(cached)
			return
		}
	}

	features, err := store.List(r.Context(), MaxListFeatures)
	if err != nil && !degraded {
		// A failed PostGIS query still yields a usable map.
		h.log.Warn("listing parcels failed, serving demo data", zap.Error(err))
		w.Header().Set(DataModeHeader, "demo")
		degraded = true
		features, err = h.stores.Demo.List(r.Context(), MaxListFeatures)
	}
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(NewFeatureCollection(features)); err != nil {
		utils.WriteError(w, h.log, utils.Server("Error encoding parcels", err))
		return
	}
	if !degraded {
		h.cache.Set(r.Context(), CacheKey, buf.Bytes(), h.cacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (h *Handlers) GetParcel(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	store, _ := h.pick(w, r)

	feature, err := store.Get(r.Context(), id)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, feature)
}

func (h *Handlers) CreateParcel(w http.ResponseWriter, r *http.Request) {
	in, err := readInput(r, true)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	store, _ := h.pick(w, r)

	id, err := store.Create(r.Context(), in)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	h.invalidate(r)

	utils.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      id,
		"status":  "Parcel created successfully",
	})
}

func (h *Handlers) UpdateParcel(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	in, err := readInput(r, false)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	store, _ := h.pick(w, r)

	if err := store.Update(r.Context(), id, in); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	h.invalidate(r)

	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      id,
		"status":  "Parcel updated successfully",
	})
}

func (h *Handlers) DeleteParcel(w http.ResponseWriter, r *http.Request) {
	id, err := parcelID(r)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	store, _ := h.pick(w, r)

	if err := store.Delete(r.Context(), id); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	h.invalidate(r)

	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      id,
		"status":  "Parcel deleted successfully",
	})
}

// FindParcels answers GET /api/parcels/at?lat=..&lng=.. with the parcels
// containing that point.
func (h *Handlers) FindParcels(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		utils.WriteError(w, h.log, utils.Validation("lat and lng must be valid WGS84 coordinates"))
		return
	}
	store, _ := h.pick(w, r)

	features, err := store.Containing(r.Context(), lat, lng)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, NewFeatureCollection(features))
}

func (h *Handlers) invalidate(r *http.Request) {
	h.cache.Delete(r.Context(), CacheKey)
}

func parcelID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, utils.Validation("Invalid parcel ID")
	}
	return id, nil
}

func readInput(r *http.Request, create bool) (Input, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		return Input{}, utils.Validation("Invalid request body")
	}
	return DecodeInput(body, create)
}
