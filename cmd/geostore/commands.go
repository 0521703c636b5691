package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/citymasterplan/geostore/internal/cache"
	"github.com/citymasterplan/geostore/internal/config"
	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/logging"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/shapefile"
	"github.com/citymasterplan/geostore/internal/staging"
	"github.com/citymasterplan/geostore/internal/upload"
	"github.com/citymasterplan/geostore/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// env is what every subcommand needs once the root has run.
type env struct {
	cfg      config.Config
	log      *zap.Logger
	db       *gorm.DB
	newCache func(ctx context.Context) cache.Cache
}

func newRootCmd() *cobra.Command {
	e := &env{}
	e.newCache = func(ctx context.Context) cache.Cache {
		return cache.New(ctx, e.cfg.RedisURL, e.log.Named("cache"))
	}
	var reviewer string

	root := &cobra.Command{
		Use:          "geostore",
		Short:        "Stage, review and apply city parcel shapefiles",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env.local")
			e.cfg = config.LoadFromEnv()
			if err := e.cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(e.cfg.LogLevel, "console")
			if err != nil {
				return err
			}
			e.log = log
			if e.cfg.DemoMode() {
				return errors.New("DATABASE_URL (or PGHOST) must be set")
			}
			e.db, err = db.Connect(cmd.Context(), e.cfg.DatabaseURL, log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return db.Close(e.db)
		},
	}
	root.PersistentFlags().StringVar(&reviewer, "reviewer", "", "name recorded in the review log (default $USER)")

	root.AddCommand(
		migrateCmd(e),
		importCmd(e),
		changesCmd(e),
		applyCmd(e, &reviewer),
		rejectCmd(e, &reviewer),
	)
	return root
}

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the geostore schema, tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parcels.Init(e.db, e.log.Named("parcels")); err != nil {
				return err
			}
			if err := staging.Init(e.db, e.log.Named("staging")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func importCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.zip|file.shp>",
		Short: "Stage a shapefile and print the detected changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := e.importFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session  %s\n", res.Session)
			fmt.Fprintf(out, "staged   %d (skipped %d, srid %d)\n", res.Staged, res.Skipped, res.SRID)
			fmt.Fprintf(out, "new      %d\nmodified %d\ndeleted  %d\n", res.Changes.New, res.Changes.Modified, res.Changes.Deleted)
			fmt.Fprintf(out, "center   %.6f,%.6f\n", res.Center[0], res.Center[1])
			return nil
		},
	}
}

func (e *env) importFile(ctx context.Context, path string) (upload.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return upload.Result{}, err
	}
	ext, err := shapefile.CheckUpload(info.Name(), info.Size(), e.cfg.MaxUploadBytes)
	if err != nil {
		return upload.Result{}, err
	}

	scratch, err := shapefile.NewScratch(e.cfg.UploadDir)
	if err != nil {
		return upload.Result{}, err
	}
	defer scratch.Close()

	saved, err := scratch.AddWithSiblings(path)
	if err != nil {
		return upload.Result{}, err
	}
	shpPath, err := scratch.Locate(saved, ext)
	if err != nil {
		return upload.Result{}, err
	}

	extractor, err := shapefile.NewExtractor(shapefile.Options{
		UseOGR:      e.cfg.Converter == config.ConverterOgr2Ogr,
		OGRPath:     e.cfg.Ogr2OgrPath,
		AliasesFile: e.cfg.FieldAliasesFile,
	}, e.log.Named("shapefile"))
	if err != nil {
		return upload.Result{}, err
	}
	in := &upload.Ingester{Extractor: extractor, DefaultCenter: e.cfg.DefaultCenter, Log: e.log.Named("upload")}
	return in.Ingest(ctx, staging.NewPostgres(e.db), filepath.Base(path), shpPath)
}

func changesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "changes",
		Short: "List staged changes awaiting review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := staging.NewPostgres(e.db).Changes(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tORIGINAL\tUPIN\tOWNER")
			for _, c := range changes {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.ChangeType, optInt(c.OriginalID), optString(c.Attributes.UPIN), optString(c.Attributes.OwnerName))
			}
			return tw.Flush()
		},
	}
}

func applyCmd(e *env, reviewer *string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>...",
		Short: "Apply staged changes to the canonical parcels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			res, err := staging.NewPostgres(e.db).Apply(cmd.Context(), ids, reviewerName(*reviewer))
			if err != nil {
				return err
			}
			e.invalidateParcels(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, updated %d, deleted %d (processed %d)\n",
				res.Inserted, res.Updated, res.Deleted, res.Processed)
			return nil
		},
	}
}

func rejectCmd(e *env, reviewer *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>...",
		Short: "Discard staged changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := staging.NewPostgres(e.db).Reject(cmd.Context(), ids, reviewerName(*reviewer))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %d\n", n)
			return nil
		},
	}
}

// invalidateParcels drops the FeatureCollection the API servers share through
// Redis. Without Redis each server holds its own copy until the TTL runs out.
func (e *env) invalidateParcels(ctx context.Context) {
	if e.cfg.RedisURL == "" {
		return
	}
	c := e.newCache(ctx)
	c.Delete(ctx, parcels.CacheKey)
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}

func parseIDs(args []string) ([]int, error) {
	ids := make([]int, len(args))
	for i, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id <= 0 {
			return nil, utils.Validation("invalid change id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}

func reviewerName(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return utils.AnonymousReviewer
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}
