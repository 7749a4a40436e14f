package models

import "errors"

var (
	// ErrUnsupportedFormat rejects uploads outside {obj, glb, gltf} before
	// any bytes are stored.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrPayloadTooLarge rejects uploads above the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrNotFound covers missing rows and, deliberately, rows owned by
	// someone else: authorization denials respond as not-found so job and
	// asset existence does not leak.
	ErrNotFound = errors.New("not found")
)
