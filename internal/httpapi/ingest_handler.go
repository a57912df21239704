package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// handleIngest accepts a multipart document upload, validates its MIME
// type, persists it to the blob store, and publishes an ingestion message,
// per spec §6 POST /ingest.
func (rt *Router) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if tenantID == "" {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "missing X-Tenant-ID header"))
		return
	}
	if rt.uploader == nil || rt.enqueuer == nil {
		writeAppError(w, apperr.Fatal("config_error", "ingestion upload not configured", nil))
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "parse multipart form: "+err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, apperr.Client(apperr.CodeValidationError, "read file field: "+err.Error()))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType != "application/pdf" {
		writeAppError(w, apperr.Client(apperr.CodeUnsupportedDocumentType, "unsupported content type: "+contentType))
		return
	}

	documentID := uuid.New()
	key := tenantID + "/" + documentID.String() + "/" + header.Filename

	blobURI, err := rt.uploader.Put(r.Context(), rt.cfg.UploadBucket, key, file, contentType)
	if err != nil {
		writeAppError(w, err)
		return
	}

	job := broker.Job{
		Version:     "2024-09-24",
		RequestID:   newRequestID(),
		TenantID:    tenantID,
		DocumentID:  documentID.String(),
		Filename:    header.Filename,
		ContentType: contentType,
		BlobURI:     blobURI,
		SubmittedAt: time.Now().UTC(),
	}

	if err := rt.enqueuer.Enqueue(r.Context(), job); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "received",
		"document_id": documentID.String(),
	})
}
