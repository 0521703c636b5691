// Package server assembles the HTTP API.
package server

import (
	"fmt"
	"net/http"

	"github.com/citymasterplan/geostore/internal/cache"
	"github.com/citymasterplan/geostore/internal/config"
	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/metrics"
	"github.com/citymasterplan/geostore/internal/middleware"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/shapefile"
	"github.com/citymasterplan/geostore/internal/staging"
	"github.com/citymasterplan/geostore/internal/upload"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps are the collaborators the router is built from.
type Deps struct {
	Config config.Config
	// DB is nil when no database is configured; every request is then served in demo mode.
	DB        *gorm.DB
	Cache     cache.Cache
	Extractor *shapefile.Extractor
	// Demo is the canonical data shared by the in-memory parcel and staging stores.
	Demo *parcels.Memory
	Log  *zap.Logger
}

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

// New builds the router.
func New(d Deps) http.Handler {
	if d.Demo == nil {
		d.Demo = parcels.NewDemo()
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemory()
	}

	probe := db.NewProber(d.DB)
	degraded := func() { metrics.DegradedRequests.Inc() }

	parcelStores := &db.Fallback[parcels.Store]{Demo: d.Demo, Probe: probe, OnDegraded: degraded}
	stagingStores := &db.Fallback[staging.Store]{Demo: staging.NewMemory(d.Demo), Probe: probe, OnDegraded: degraded}
	if d.DB != nil {
		parcelStores.Primary = parcels.NewPostgres(d.DB)
		stagingStores.Primary = staging.NewPostgres(d.DB)
	}

	ingester := &upload.Ingester{
		Extractor:     d.Extractor,
		DefaultCenter: d.Config.DefaultCenter,
		Log:           d.Log.Named("upload"),
	}
	limiter := middleware.NewRateLimiter(d.Config.UploadRatePerMinute, d.Config.UploadBurst)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if d.Config.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.RequestLogger(d.Log.Named("http")))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORSMiddleware(d.Config.AllowedOrigins))
	r.Use(middleware.Reviewer)

	r.Get("/", RootHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "unavailable"
		if probe.Available(r.Context()) {
			status = "connected"
		}
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": status})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/parcels", parcels.SetupRoutes(
		parcels.NewHandlers(parcelStores, d.Cache, d.Config.ParcelsCacheTTL, d.Log.Named("parcels"))))
	r.Mount("/api/changes", staging.SetupRoutes(
		staging.NewHandlers(stagingStores, d.Cache, d.Log.Named("changes")),
		middleware.ApproverGuard(d.Config.ApproverTokenHash)))
	r.Mount("/api/upload", upload.SetupRoutes(
		upload.NewHandlers(ingester, stagingStores, d.Config.UploadDir, d.Config.MaxUploadBytes, d.Log.Named("upload")),
		limiter.Handler))

	return r
}
