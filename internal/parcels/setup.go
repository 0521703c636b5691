package parcels

import (
	"fmt"

	"github.com/citymasterplan/geostore/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Init bootstraps PostGIS, the geostore schema and the canonical table.
func Init(gdb *gorm.DB, log *zap.Logger) error {
	if err := db.EnsureExtension(gdb, "postgis"); err != nil {
		return fmt.Errorf("enable postgis extension: %w", err)
	}
	if err := db.EnsureSchema(gdb, "geostore"); err != nil {
		return fmt.Errorf("ensure schema geostore: %w", err)
	}

	if err := gdb.AutoMigrate(&Parcel{}); err != nil {
		return fmt.Errorf("auto-migrate parcels: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_geom ON geostore.spartialdata USING GIST (geom)`,
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_owner_name ON geostore.spartialdata (owner_name)`,
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_upin ON geostore.spartialdata (upin)`,
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_landuse_ti ON geostore.spartialdata (landuse_ti)`,
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_kentcode ON geostore.spartialdata (kentcode)`,
		`CREATE INDEX IF NOT EXISTS idx_spartialdata_objectid ON geostore.spartialdata (objectid)`,
	} {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create canonical index: %w", err)
		}
	}

	log.Info("parcels module initialized")
	return nil
}
