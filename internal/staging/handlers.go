package staging

import (
	"net/http"

	"github.com/citymasterplan/geostore/internal/cache"
	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/metrics"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/utils"
	"go.uber.org/zap"
)

type Handlers struct {
	stores *db.Fallback[Store]
	cache  cache.Cache
	log    *zap.Logger
}

func NewHandlers(stores *db.Fallback[Store], c cache.Cache, log *zap.Logger) *Handlers {
	return &Handlers{stores: stores, cache: c, log: log}
}

func (h *Handlers) pick(w http.ResponseWriter, r *http.Request) Store {
	store, degraded := h.stores.Pick(r.Context())
	if degraded {
		w.Header().Set(parcels.DataModeHeader, "demo")
	}
	return store
}

type applyRequest struct {
	ApprovedIDs []int `json:"approved_ids"`
}

type rejectRequest struct {
	RejectedIDs []int `json:"rejected_ids"`
}

// GetChanges lists staged rows awaiting review as GeoJSON.
func (h *Handlers) GetChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.pick(w, r).Changes(r.Context())
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	features := make([]parcels.Feature, len(changes))
	for i, c := range changes {
		features[i] = c.Feature()
	}
	utils.WriteJSON(w, http.StatusOK, parcels.NewFeatureCollection(features))
}

func (h *Handlers) ApplyChanges(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	reviewer := utils.ReviewerOrAnonymous(r.Context())

	res, err := h.pick(w, r).Apply(r.Context(), req.ApprovedIDs, reviewer)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	h.cache.Delete(r.Context(), parcels.CacheKey)
	metrics.ChangesReviewed.WithLabelValues("applied").Add(float64(res.Processed))
	h.log.Info("changes applied",
		zap.String("reviewer", reviewer),
		zap.Ints("ids", req.ApprovedIDs),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted))

	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "Changes applied successfully",
		"inserted":  res.Inserted,
		"updated":   res.Updated,
		"deleted":   res.Deleted,
		"processed": res.Processed,
	})
}

func (h *Handlers) RejectChanges(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	reviewer := utils.ReviewerOrAnonymous(r.Context())

	n, err := h.pick(w, r).Reject(r.Context(), req.RejectedIDs, reviewer)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	metrics.ChangesReviewed.WithLabelValues("rejected").Add(float64(n))
	h.log.Info("changes rejected", zap.String("reviewer", reviewer), zap.Ints("ids", req.RejectedIDs), zap.Int("rejected", n))

	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"status":   "Changes rejected successfully",
		"rejected": n,
	})
}
