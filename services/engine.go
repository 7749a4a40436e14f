package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"meshhub/models"
)

// EngineService talks to the external conversion engine. The engine reads
// and writes the blob store itself; we only exchange locators.
type EngineService struct {
	baseURL string
	client  *http.Client
}

// TransportError means the engine was unreachable or the call timed out.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("conversion engine unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EngineError means the engine responded with a non-success status.
type EngineError struct {
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("conversion engine returned status %d: %s", e.StatusCode, e.Body)
}

type convertRequest struct {
	StoragePath  string `json:"storage_path"`
	OutputFormat string `json:"output_format"`
}

type convertResponse struct {
	ConvertedPath string `json:"converted_path"`
	Format        string `json:"format"`
	Size          int64  `json:"size"`
}

func NewEngineService(baseURL string) *EngineService {
	return &EngineService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Convert runs one synchronous transcode of the object at storagePath into
// outputFormat. The caller bounds the call with a context deadline.
func (g *EngineService) Convert(ctx context.Context, storagePath, outputFormat string) (*models.ConversionResult, error) {
	payload, err := json.Marshal(convertRequest{
		StoragePath:  storagePath,
		OutputFormat: outputFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/conversion/obj2glb", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &EngineError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var out convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}

	return &models.ConversionResult{
		ConvertedPath: out.ConvertedPath,
		Format:        out.Format,
		SizeBytes:     out.Size,
	}, nil
}
