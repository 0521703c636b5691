package staging

import (
	"fmt"

	"github.com/citymasterplan/geostore/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Init creates the staging, upload-session and review-log tables. The
// canonical table must exist first.
func Init(gdb *gorm.DB, log *zap.Logger) error {
	if err := db.EnsureSchema(gdb, "geostore"); err != nil {
		return fmt.Errorf("ensure schema geostore: %w", err)
	}

	// Create required extensions
	if err := db.EnsureExtension(gdb, "uuid-ossp"); err != nil {
		return fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	if err := gdb.AutoMigrate(
		&StagedParcel{},
		&UploadSession{},
		&ReviewLog{},
	); err != nil {
		return fmt.Errorf("auto-migrate staging tables: %w", err)
	}

	if err := gdb.Exec(`CREATE INDEX IF NOT EXISTS idx_spartialdata_temp1_geom ON geostore.spartialdata_temp1 USING GIST (geom)`).Error; err != nil {
		return fmt.Errorf("create staging geometry index: %w", err)
	}

	log.Info("staging module initialized")
	return nil
}
