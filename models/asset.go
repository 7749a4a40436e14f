package models

import (
	"path"
	"strings"
	"time"
)

// Asset is a stored file owned by a user: either an original upload or the
// output of a completed conversion. Rows are immutable once created, except
// for thumbnail backfill.
type Asset struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	SizeBytes        int64     `json:"sizeBytes"`
	StorageLocator   string    `json:"storageLocator"`
	ThumbnailLocator *string   `json:"thumbnailLocator,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

var supportedUploadExtensions = map[string]struct{}{
	"obj":  {},
	"glb":  {},
	"gltf": {},
}

// FileExtension returns the lowercased extension of a filename without the
// leading dot, e.g. "Cube.OBJ" -> "obj".
func FileExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
}

func IsSupportedUploadExtension(ext string) bool {
	_, ok := supportedUploadExtensions[ext]
	return ok
}

// ContentTypeForLocator infers the download content type from the locator's
// file extension.
func ContentTypeForLocator(locator string) string {
	switch FileExtension(locator) {
	case "obj":
		return "text/plain"
	case "glb":
		return "model/gltf-binary"
	case "gltf":
		return "model/gltf+json"
	default:
		return "application/octet-stream"
	}
}
