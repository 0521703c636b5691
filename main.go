package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citymasterplan/geostore/internal/cache"
	"github.com/citymasterplan/geostore/internal/config"
	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/logging"
	"github.com/citymasterplan/geostore/internal/metrics"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/server"
	"github.com/citymasterplan/geostore/internal/shapefile"
	"github.com/citymasterplan/geostore/internal/staging"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env.local")

	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.RegisterDefault()

	gdb := connect(ctx, cfg, log)
	defer db.Close(gdb)

	extractor, err := shapefile.NewExtractor(shapefile.Options{
		UseOGR:      cfg.Converter == config.ConverterOgr2Ogr,
		OGRPath:     cfg.Ogr2OgrPath,
		AliasesFile: cfg.FieldAliasesFile,
	}, log.Named("shapefile"))
	if err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Config:    cfg,
		DB:        gdb,
		Cache:     cache.New(ctx, cfg.RedisURL, log.Named("cache")),
		Extractor: extractor,
		Demo:      parcels.NewDemo(),
		Log:       log,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.Bool("demo", gdb == nil))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connect returns nil when PostGIS is not configured or not reachable;
// the API then serves demo data.
func connect(ctx context.Context, cfg config.Config, log *zap.Logger) *gorm.DB {
	if cfg.DemoMode() {
		log.Warn("no database configured, running in demo mode")
		return nil
	}
	gdb, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Warn("database unavailable, running in demo mode", zap.Error(err))
		return nil
	}
	if cfg.Migrate {
		if err := parcels.Init(gdb, log.Named("parcels")); err != nil {
			log.Error("parcels schema bootstrap failed", zap.Error(err))
		}
		if err := staging.Init(gdb, log.Named("staging")); err != nil {
			log.Error("staging schema bootstrap failed", zap.Error(err))
		}
	}
	return gdb
}
