package handlers

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"meshhub/models"
)

// UploadAsset handles POST /assets: validate, store the bytes, create the
// asset row, and auto-submit a glb conversion for .obj uploads unless
// ?skipAutoConversion=1.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromContext(r.Context())

	file, fh, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	asset, err := h.storeUpload(r.Context(), ownerID, file, fh)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	skip := r.URL.Query().Get("skipAutoConversion") == "1"
	if models.FileExtension(asset.Name) == "obj" && !skip {
		if _, err := h.createJob(r.Context(), ownerID, asset, "glb"); err != nil {
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusCreated, asset)
}

// ListAssets handles GET /assets, newest first.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.store.ListAssets(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

type assetDetailResponse struct {
	models.Asset
	DownloadURL string `json:"downloadUrl"`
}

// GetAsset handles GET /assets/{id}: asset details plus a time-boxed
// presigned download URL.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := h.store.GetAsset(r.Context(), chi.URLParam(r, "id"), ownerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	url, err := h.blobs.PresignedReadURL(asset.StorageLocator, h.cfg.PresignTTL)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, assetDetailResponse{Asset: *asset, DownloadURL: url})
}

// DeleteAsset handles DELETE /assets/{id}: blob first, row second.
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := ownerFromContext(ctx)
	id := chi.URLParam(r, "id")

	asset, err := h.store.GetAsset(ctx, id, ownerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.blobs.Delete(ctx, asset.StorageLocator); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.store.DeleteAsset(ctx, id, ownerID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "asset deleted"})
}

// DownloadAsset handles GET /assets/{id}/file: proxied byte stream with the
// content type inferred from the locator extension.
func (h *Handler) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := h.store.GetAsset(r.Context(), chi.URLParam(r, "id"), ownerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stream, contentType, err := h.blobs.GetStream(r.Context(), asset.StorageLocator)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Name))

	if _, err := io.Copy(w, stream); err != nil {
		h.log.Errorf("failed to stream asset %s: %v", asset.ID, err)
	}
}

func (h *Handler) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+(1<<20))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeMultipartError(w, err)
		return nil, nil, false
	}

	file, fh, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, `missing upload: form field key should be "file"`, http.StatusBadRequest)
		return nil, nil, false
	}
	return file, fh, true
}

// storeUpload validates the upload and persists it: bytes to the blob store
// under a collision-free locator, then the asset row. Rejections happen
// before any blob write.
func (h *Handler) storeUpload(ctx context.Context, ownerID string, file multipart.File, fh *multipart.FileHeader) (*models.Asset, error) {
	if fh.Size > h.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", models.ErrPayloadTooLarge, fh.Size, h.cfg.MaxUploadBytes)
	}

	ext := models.FileExtension(fh.Filename)
	if !models.IsSupportedUploadExtension(ext) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, ext)
	}

	mime, err := mimetype.DetectReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to sniff content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}

	locator := fmt.Sprintf("%s/%s/%s", ownerID, uuid.NewString(), fh.Filename)

	if err := h.blobs.Upload(ctx, locator, file, mime.String()); err != nil {
		return nil, err
	}

	asset := &models.Asset{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           fh.Filename,
		Type:           ext,
		SizeBytes:      fh.Size,
		StorageLocator: locator,
		CreatedAt:      time.Now(),
	}
	if err := h.store.InsertAsset(ctx, asset); err != nil {
		// The blob is orphaned here; reconciliation of orphaned blobs is a
		// garbage-collection concern, not handled inline.
		return nil, err
	}
	return asset, nil
}
