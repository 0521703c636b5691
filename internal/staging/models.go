package staging

import (
	"encoding/json"
	"time"

	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Upload session lifecycle.
const (
	SessionProcessing = "processing"
	SessionStaged     = "staged"
	SessionFailed     = "failed"
	SessionSuperseded = "superseded"
)

// StagedParcel is a row of the staging table: the canonical attributes plus
// the diff classification and the upload session it belongs to.
type StagedParcel struct {
	ID                 int       `gorm:"primaryKey;column:id"`
	SessionID          uuid.UUID `gorm:"type:uuid;column:session_id;index:idx_spartialdata_temp1_session_id"`
	parcels.Attributes `gorm:"embedded"`
	Geom               *string   `gorm:"column:geom;type:geometry(Geometry,20137)"`
	ChangeType         *string   `gorm:"column:change_type;size:20;index:idx_spartialdata_temp1_change_type"`
	OriginalID         *int      `gorm:"column:original_id;index:idx_spartialdata_temp1_original_id"`
	CreatedAt          time.Time `gorm:"column:created_at;default:now()"`
}

func (StagedParcel) TableName() string {
	return "geostore.spartialdata_temp1"
}

// UploadSession tracks one shapefile ingestion.
type UploadSession struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Filename     string    `json:"filename"`
	Status       string    `gorm:"size:20;not null;index:idx_shapefile_uploads_status" json:"status"`
	FeatureCount int       `json:"feature_count"`
	SkippedCount int       `json:"skipped_count"`
	SRID         int       `gorm:"column:srid" json:"srid"`
	Message      string    `json:"message,omitempty"`
	// ClassifiedAt is set by the first diff run. Deletions are only
	// synthesized then, since review purges the rows they are matched against.
	ClassifiedAt *time.Time `gorm:"column:classified_at" json:"classified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (UploadSession) TableName() string {
	return "geostore.shapefile_uploads"
}

// ReviewLog tracks every apply/reject for audit purposes
type ReviewLog struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	Action     string        `gorm:"size:20;not null" json:"action"` // applied, rejected
	Reviewer   string        `gorm:"not null" json:"reviewer"`
	StagingIDs pq.Int64Array `gorm:"type:integer[]" json:"staging_ids"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Deleted    int           `json:"deleted"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (ReviewLog) TableName() string {
	return "geostore.change_reviews"
}

// Row is one validated shapefile record to stage.
type Row struct {
	Attributes parcels.Attributes
	WKT        string
	SRID       int
}

type Counts struct {
	New      int `json:"new"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

func (c *Counts) add(t ChangeType, n int) {
	switch t {
	case ChangeNew:
		c.New += n
	case ChangeModified:
		c.Modified += n
	case ChangeDeleted:
		c.Deleted += n
	}
}

// Outcome closes an upload session.
type Outcome struct {
	Status  string
	Staged  int
	Skipped int
	SRID    int
	Message string
}

// Change is a classified staging row awaiting review.
type Change struct {
	ID         int
	SessionID  uuid.UUID
	ChangeType ChangeType
	OriginalID *int
	Attributes parcels.Attributes
	Geometry   json.RawMessage
}

// ChangeProperties is the GeoJSON properties object of a pending change.
type ChangeProperties struct {
	ID         int        `json:"id"`
	ChangeType ChangeType `json:"change_type"`
	OriginalID *int       `json:"original_id"`
	SessionID  uuid.UUID  `json:"session_id"`
	parcels.Attributes
}

func (c Change) Feature() parcels.Feature {
	return parcels.Feature{
		Type:     "Feature",
		Geometry: nullIfEmpty(c.Geometry),
		Properties: ChangeProperties{
			ID:         c.ID,
			ChangeType: c.ChangeType,
			OriginalID: c.OriginalID,
			SessionID:  c.SessionID,
			Attributes: c.Attributes,
		},
	}
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

type ApplyResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Processed int `json:"processed"`
}
