package upload

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/citymasterplan/geostore/internal/db"
	"github.com/citymasterplan/geostore/internal/metrics"
	"github.com/citymasterplan/geostore/internal/parcels"
	"github.com/citymasterplan/geostore/internal/shapefile"
	"github.com/citymasterplan/geostore/internal/staging"
	"github.com/citymasterplan/geostore/internal/utils"
	"go.uber.org/zap"
)

// FormField is the multipart field carrying the primary upload.
const FormField = "shapefile"

const (
	msgProcessed = "Shapefile processed successfully"
	demoSuffix   = " (demo mode - database not available)"
	// memoryLimit bounds the parts ParseMultipartForm keeps in RAM.
	memoryLimit = 32 << 20
)

type Handlers struct {
	ingester *Ingester
	stores   *db.Fallback[staging.Store]
	dir      string
	maxBytes int64
	log      *zap.Logger
}

func NewHandlers(ingester *Ingester, stores *db.Fallback[staging.Store], uploadDir string, maxBytes int64, log *zap.Logger) *Handlers {
	return &Handlers{ingester: ingester, stores: stores, dir: uploadDir, maxBytes: maxBytes, log: log}
}

type response struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Changes   staging.Counts `json:"changes"`
	Center    [2]float64     `json:"center"`
	SessionID string         `json:"session_id"`
	Staged    int            `json:"staged"`
	Skipped   int            `json:"skipped"`
}

// ProcessShapefile stages an uploaded .zip or .shp and reports the diff
// against the canonical parcels.
func (h *Handlers) ProcessShapefile(w http.ResponseWriter, r *http.Request) {
	res, degraded, err := h.process(w, r)
	metrics.Uploads.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}

	msg := msgProcessed
	if degraded {
		msg += demoSuffix
	}
	utils.WriteJSON(w, http.StatusOK, response{
		Success:   true,
		Message:   msg,
		Changes:   res.Changes,
		Center:    res.Center,
		SessionID: res.Session.String(),
		Staged:    res.Staged,
		Skipped:   res.Skipped,
	})
}

func (h *Handlers) process(w http.ResponseWriter, r *http.Request) (Result, bool, error) {
	// Companion files travel in the same request, so allow some headroom.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+memoryLimit)
	if err := r.ParseMultipartForm(memoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Result{}, false, utils.Validation("File size exceeds %dMB limit", h.maxBytes>>20)
		}
		return Result{}, false, utils.Validation("Invalid file upload: No file provided")
	}
	defer r.MultipartForm.RemoveAll()

	primary := r.MultipartForm.File[FormField]
	if len(primary) == 0 {
		return Result{}, false, utils.Validation("Invalid file upload: No file provided")
	}
	header := primary[0]
	ext, err := shapefile.CheckUpload(header.Filename, header.Size, h.maxBytes)
	if err != nil {
		return Result{}, false, err
	}

	scratch, err := shapefile.NewScratch(h.dir)
	if err != nil {
		return Result{}, false, utils.Server("Failed to save uploaded file", err)
	}
	defer func() {
		if err := scratch.Close(); err != nil {
			h.log.Warn("removing scratch dir", zap.String("dir", scratch.Dir), zap.Error(err))
		}
	}()

	saved, err := savePart(scratch, header)
	if err != nil {
		return Result{}, false, err
	}
	if ext == "shp" {
		if err := h.saveCompanions(scratch, r.MultipartForm, header); err != nil {
			return Result{}, false, err
		}
	}

	shpPath, err := scratch.Locate(saved, ext)
	if err != nil {
		return Result{}, false, err
	}

	store, degraded := h.stores.Pick(r.Context())
	if degraded {
		w.Header().Set(parcels.DataModeHeader, "demo")
	}
	res, err := h.ingester.Ingest(r.Context(), store, header.Filename, shpPath)
	return res, degraded, err
}

// saveCompanions stores every other uploaded part whose name shares the
// primary file's stem (parcels.dbf, parcels.shx, parcels.cpg ...).
func (h *Handlers) saveCompanions(scratch *shapefile.Scratch, form *multipart.Form, primary *multipart.FileHeader) error {
	stem := strings.TrimSuffix(filepath.Base(primary.Filename), filepath.Ext(primary.Filename))
	for _, headers := range form.File {
		for _, fh := range headers {
			if fh == primary {
				continue
			}
			name := filepath.Base(fh.Filename)
			if !strings.EqualFold(strings.TrimSuffix(name, filepath.Ext(name)), stem) {
				continue
			}
			if _, err := savePart(scratch, fh); err != nil {
				return err
			}
		}
	}
	return nil
}

func savePart(scratch *shapefile.Scratch, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", utils.Validation("Invalid file upload: %s", fh.Filename)
	}
	defer f.Close()
	path, err := scratch.Save(fh.Filename, f)
	if err != nil {
		var ve *utils.ValidationError
		if errors.As(err, &ve) {
			return "", err
		}
		return "", utils.Server("Failed to save uploaded file", err)
	}
	return path, nil
}

// DetectChanges re-runs the diff for the latest staged upload.
func (h *Handlers) DetectChanges(w http.ResponseWriter, r *http.Request) {
	store, degraded := h.stores.Pick(r.Context())
	if degraded {
		w.Header().Set(parcels.DataModeHeader, "demo")
	}
	session, counts, err := h.ingester.Redetect(r.Context(), store)
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"changes":    counts,
		"session_id": session.String(),
	})
}
