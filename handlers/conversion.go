package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"meshhub/models"
)

type conversionRequestParams struct {
	TargetFormat string `validate:"omitempty,oneof=glb gltf"`
}

type conversionSubmitResponse struct {
	ConversionJobID string           `json:"conversionJobId"`
	Status          models.JobStatus `json:"status"`
	OriginalName    string           `json:"originalName"`
}

type conversionStatusResponse struct {
	ConversionJobID string           `json:"conversionJobId"`
	Status          models.JobStatus `json:"status"`
	OriginalName    string           `json:"originalName"`
	ConvertedName   string           `json:"convertedName"`
	DownloadURL     string           `json:"downloadUrl,omitempty"`
	Message         string           `json:"message,omitempty"`
}

// RequestConversion handles POST /conversion/request: store the upload
// (without the implicit .obj auto-conversion) and submit an explicit job.
func (h *Handler) RequestConversion(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())

	file, fh, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	params := conversionRequestParams{
		TargetFormat: r.FormValue("targetFormat"),
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSONError(w, "invalid target format, must be glb or gltf", http.StatusBadRequest)
		return
	}
	if params.TargetFormat == "" {
		params.TargetFormat = "glb"
	}

	asset, err := h.storeUpload(r.Context(), ownerID, file, fh)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := h.createJob(r.Context(), ownerID, asset, params.TargetFormat)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, conversionSubmitResponse{
		ConversionJobID: job.ID,
		Status:          job.Status,
		OriginalName:    job.OriginalName,
	})
}

// GetConversionStatus handles GET /conversion/status/{id}. Jobs owned by
// someone else answer 404, indistinguishable from absent jobs.
func (h *Handler) GetConversionStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.OwnerID != ownerFromContext(r.Context()) {
		writeJSONError(w, models.ErrNotFound.Error(), http.StatusNotFound)
		return
	}

	resp := conversionStatusResponse{
		ConversionJobID: job.ID,
		Status:          job.Status,
		OriginalName:    job.OriginalName,
		ConvertedName:   job.ConvertedName,
	}

	if job.Status == models.JobCompleted && job.ResultAssetID != nil {
		resp.DownloadURL = "/assets/" + *job.ResultAssetID + "/file"
	}
	if job.Status == models.JobFailed && job.ErrorMessage != nil {
		resp.Message = *job.ErrorMessage
	}

	writeJSON(w, http.StatusOK, resp)
}

// createJob inserts the ledger row before publishing the work item, so a
// status poll immediately after submission always finds the job. A failed
// publish is logged, not surfaced: the stale-pending recovery sweep
// republishes it.
func (h *Handler) createJob(ctx context.Context, ownerID string, source *models.Asset, targetFormat string) (*models.ConversionJob, error) {
	now := time.Now()
	job := &models.ConversionJob{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		SourceAssetID: source.ID,
		OriginalName:  source.Name,
		OriginalType:  source.Type,
		ConvertedName: models.DeriveConvertedName(source.Name, targetFormat),
		ConvertedType: targetFormat,
		Status:        models.JobPending,
		SourceLocator: source.StorageLocator,
		CreatedAt:     now,
	}

	if err := h.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}

	item := models.WorkItem{
		JobID:         job.ID,
		SourceLocator: job.SourceLocator,
		TargetFormat:  targetFormat,
		Attempt:       0,
		EnqueuedAt:    now,
	}
	if err := h.dispatch.Publish(ctx, item); err != nil {
		h.log.Errorf("failed to publish work item for job %s: %v", job.ID, err)
	}

	return job, nil
}
