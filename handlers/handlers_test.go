package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"meshhub/config"
	"meshhub/models"
	"meshhub/queue"
)

type fakeStore struct {
	mu     sync.Mutex
	assets map[string]*models.Asset
	jobs   map[string]*models.ConversionJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assets: make(map[string]*models.Asset),
		jobs:   make(map[string]*models.ConversionJob),
	}
}

func (s *fakeStore) InsertAsset(ctx context.Context, a *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *fakeStore) GetAsset(ctx context.Context, id, ownerID string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.OwnerID != ownerID {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListAssets(ctx context.Context, ownerID string) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Asset
	for _, a := range s.assets {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) DeleteAsset(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok || a.OwnerID != ownerID {
		return models.ErrNotFound
	}
	delete(s.assets, id)
	return nil
}

func (s *fakeStore) InsertJob(ctx context.Context, j *models.ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// The worker pool's ledger view, so end-to-end tests can run the real pool
// against the same store.

func (s *fakeStore) ClaimPending(ctx context.Context, id string, leaseExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobPending {
		return false, nil
	}
	j.Status = models.JobProcessing
	j.Attempts++
	j.LeaseExpiresAt = &leaseExpiry
	return true, nil
}

func (s *fakeStore) ExtendLease(ctx context.Context, id string, leaseExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return false, nil
	}
	j.Attempts++
	j.LeaseExpiresAt = &leaseExpiry
	return true, nil
}

func (s *fakeStore) CompleteJob(ctx context.Context, jobID, convertedName, convertedType, outputLocator string, asset *models.Asset, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobProcessing {
		return errors.New("job is not processing")
	}
	cp := *asset
	s.assets[asset.ID] = &cp
	j.Status = models.JobCompleted
	j.ConvertedName = convertedName
	j.ConvertedType = convertedType
	j.OutputLocator = outputLocator
	j.ResultAssetID = &asset.ID
	j.CompletedAt = &completedAt
	j.LeaseExpiresAt = nil
	return nil
}

func (s *fakeStore) FailJob(ctx context.Context, id, errorMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return nil
	}
	j.Status = models.JobFailed
	j.ErrorMessage = &errorMsg
	j.CompletedAt = &completedAt
	j.LeaseExpiresAt = nil
	return nil
}

func (s *fakeStore) ExpiredProcessingJobs(ctx context.Context, now time.Time) ([]models.ConversionJob, error) {
	return nil, nil
}

func (s *fakeStore) StalePendingJobs(ctx context.Context, cutoff time.Time) ([]models.ConversionJob, error) {
	return nil, nil
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (b *fakeBlob) Upload(ctx context.Context, locator string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = data
	b.types[locator] = contentType
	return nil
}

func (b *fakeBlob) GetStream(ctx context.Context, locator string) (io.ReadCloser, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[locator]
	if !ok {
		return nil, "", fmt.Errorf("no object at %q", locator)
	}
	return io.NopCloser(bytes.NewReader(data)), models.ContentTypeForLocator(locator), nil
}

func (b *fakeBlob) Delete(ctx context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, locator)
	return nil
}

func (b *fakeBlob) PresignedReadURL(locator string, ttl time.Duration) (string, error) {
	return "https://blobs.example.com/" + locator + "?signed=1", nil
}

func (b *fakeBlob) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func (b *fakeBlob) put(locator string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = data
}

type fakeDispatch struct {
	mu         sync.Mutex
	pending    []string
	processing []string
	failed     []string
}

func (q *fakeDispatch) Publish(ctx context.Context, item models.WorkItem) error {
	raw, err := models.EncodeWorkItem(item)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, raw)
	return nil
}

func (q *fakeDispatch) Pull(ctx context.Context, timeout time.Duration) (string, models.WorkItem, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			raw := q.pending[0]
			q.pending = q.pending[1:]
			q.processing = append(q.processing, raw)
			q.mu.Unlock()
			item, err := models.DecodeWorkItem(raw)
			if err != nil {
				return "", models.WorkItem{}, err
			}
			return raw, item, nil
		}
		q.mu.Unlock()

		if ctx.Err() != nil || time.Now().After(deadline) {
			return "", models.WorkItem{}, queue.ErrEmpty
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (q *fakeDispatch) Ack(ctx context.Context, raw string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.processing {
		if r == raw {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			break
		}
	}
	return nil
}

func (q *fakeDispatch) Bury(ctx context.Context, raw string) error {
	_ = q.Ack(ctx, raw)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, raw)
	return nil
}

func (q *fakeDispatch) ProcessingSnapshot(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.processing...), nil
}

func (q *fakeDispatch) published() []models.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []models.WorkItem
	for _, raw := range q.pending {
		if item, err := models.DecodeWorkItem(raw); err == nil {
			items = append(items, item)
		}
	}
	return items
}

type env struct {
	store    *fakeStore
	blobs    *fakeBlob
	dispatch *fakeDispatch
	cfg      *config.Config
	server   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cfg := &config.Config{
		MaxUploadBytes:     100 << 20,
		ConversionTimeout:  time.Second,
		MaxRetries:         0,
		RetryBackoffBase:   time.Millisecond,
		LeaseDuration:      time.Minute,
		RecoveryInterval:   time.Minute,
		PendingGracePeriod: time.Minute,
		PresignTTL:         time.Hour,
	}

	e := &env{
		store:    newFakeStore(),
		blobs:    newFakeBlob(),
		dispatch: &fakeDispatch{},
		cfg:      cfg,
	}

	h := New(e.store, e.blobs, e.dispatch, cfg, zap.NewNop().Sugar())
	e.server = httptest.NewServer(NewRouter(h))
	t.Cleanup(e.server.Close)
	return e
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func (e *env) do(t *testing.T, method, path, owner string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestUploadAssetStoresBytes(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	content := []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n")
	body, ctype := multipartBody(t, "cube.glb", content, nil)

	resp := e.do(t, "POST", "/assets", "owner1", body, ctype)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var asset models.Asset
	decodeJSON(t, resp, &asset)
	if asset.OwnerID != "owner1" || asset.Name != "cube.glb" || asset.Type != "glb" {
		t.Errorf("unexpected asset: %+v", asset)
	}
	if asset.SizeBytes != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), asset.SizeBytes)
	}

	stored, ok := e.blobs.objects[asset.StorageLocator]
	if !ok {
		t.Fatal("blob was not written")
	}
	if !bytes.Equal(stored, content) {
		t.Error("stored bytes differ from the uploaded input")
	}

	// glb uploads do not trigger an implicit conversion.
	if items := e.dispatch.published(); len(items) != 0 {
		t.Errorf("expected no work items, got %d", len(items))
	}
}

func TestUploadObjTriggersAutoConversion(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), nil)

	resp := e.do(t, "POST", "/assets", "owner1", body, ctype)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	items := e.dispatch.published()
	if len(items) != 1 {
		t.Fatalf("expected 1 work item, got %d", len(items))
	}
	if items[0].TargetFormat != "glb" {
		t.Errorf("expected glb target, got %q", items[0].TargetFormat)
	}

	job, err := e.store.GetJob(context.Background(), items[0].JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != models.JobPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.ConvertedName != "cube.glb" {
		t.Errorf("unexpected converted name: %q", job.ConvertedName)
	}
}

func TestUploadSkipAutoConversion(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), nil)

	resp := e.do(t, "POST", "/assets?skipAutoConversion=1", "owner1", body, ctype)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if items := e.dispatch.published(); len(items) != 0 {
		t.Errorf("expected no work items, got %d", len(items))
	}
}

func TestUploadUnsupportedFormatHasNoSideEffects(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.stl", []byte("solid cube"), nil)

	resp := e.do(t, "POST", "/assets", "owner1", body, ctype)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if e.blobs.count() != 0 {
		t.Error("no blob may be written for a rejected upload")
	}
	if len(e.store.assets) != 0 {
		t.Error("no asset row may be created for a rejected upload")
	}
}

func TestUploadPayloadTooLarge(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.MaxUploadBytes = 16

	body, ctype := multipartBody(t, "cube.obj", bytes.Repeat([]byte("v"), 64), nil)

	resp := e.do(t, "POST", "/assets", "owner1", body, ctype)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if e.blobs.count() != 0 {
		t.Error("no blob may be written for a rejected upload")
	}
}

func TestUploadRequiresIdentity(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), nil)

	resp := e.do(t, "POST", "/assets", "", body, ctype)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConversionRequestReportsPendingImmediately(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), map[string]string{"targetFormat": "gltf"})

	resp := e.do(t, "POST", "/conversion/request", "owner1", body, ctype)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var submit struct {
		ConversionJobID string `json:"conversionJobId"`
		Status          string `json:"status"`
		OriginalName    string `json:"originalName"`
	}
	decodeJSON(t, resp, &submit)
	if submit.Status != "pending" {
		t.Errorf("expected pending, got %q", submit.Status)
	}
	if submit.OriginalName != "cube.obj" {
		t.Errorf("unexpected original name: %q", submit.OriginalName)
	}

	status := e.do(t, "GET", "/conversion/status/"+submit.ConversionJobID, "owner1", nil, "")
	if status.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", status.StatusCode)
	}
	var got struct {
		Status        string `json:"status"`
		ConvertedName string `json:"convertedName"`
	}
	decodeJSON(t, status, &got)
	if got.Status != "pending" {
		t.Errorf("status immediately after submit must be pending, got %q", got.Status)
	}
	if got.ConvertedName != "cube.gltf" {
		t.Errorf("unexpected converted name: %q", got.ConvertedName)
	}
}

func TestConversionRequestRejectsBadTargetFormat(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), map[string]string{"targetFormat": "fbx"})

	resp := e.do(t, "POST", "/conversion/request", "owner1", body, ctype)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusMasksForeignJobsAsNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	body, ctype := multipartBody(t, "cube.obj", []byte("v 0 0 0\n"), nil)
	resp := e.do(t, "POST", "/conversion/request", "owner1", body, ctype)
	var submit struct {
		ConversionJobID string `json:"conversionJobId"`
	}
	decodeJSON(t, resp, &submit)

	other := e.do(t, "GET", "/conversion/status/"+submit.ConversionJobID, "owner2", nil, "")
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign owner must see 404, got %d", other.StatusCode)
	}
	other.Body.Close()
}

func TestDownloadStreamsWithContentType(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	content := bytes.Repeat([]byte{0x42}, 4096)
	e.blobs.put("owner1/abc/cube.glb", content)
	_ = e.store.InsertAsset(context.Background(), &models.Asset{
		ID:             "asset-1",
		OwnerID:        "owner1",
		Name:           "cube.glb",
		Type:           "glb",
		SizeBytes:      4096,
		StorageLocator: "owner1/abc/cube.glb",
		CreatedAt:      time.Now(),
	})

	resp := e.do(t, "GET", "/assets/asset-1/file", "owner1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "model/gltf-binary" {
		t.Errorf("expected model/gltf-binary, got %q", got)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="cube.glb"` {
		t.Errorf("unexpected disposition: %q", got)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("expected %d identical bytes, got %d", len(content), len(data))
	}
}

func TestGetAssetIncludesPresignedURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_ = e.store.InsertAsset(context.Background(), &models.Asset{
		ID:             "asset-1",
		OwnerID:        "owner1",
		Name:           "cube.obj",
		Type:           "obj",
		StorageLocator: "owner1/abc/cube.obj",
		CreatedAt:      time.Now(),
	})

	resp := e.do(t, "GET", "/assets/asset-1", "owner1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		ID          string `json:"id"`
		DownloadURL string `json:"downloadUrl"`
	}
	decodeJSON(t, resp, &got)
	if got.DownloadURL == "" {
		t.Error("expected a presigned download url")
	}
}

func TestDeleteAssetRemovesBlobAndRow(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.blobs.put("owner1/abc/cube.obj", []byte("v 0 0 0\n"))
	_ = e.store.InsertAsset(context.Background(), &models.Asset{
		ID:             "asset-1",
		OwnerID:        "owner1",
		Name:           "cube.obj",
		Type:           "obj",
		StorageLocator: "owner1/abc/cube.obj",
		CreatedAt:      time.Now(),
	})

	resp := e.do(t, "DELETE", "/assets/asset-1", "owner1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if e.blobs.count() != 0 {
		t.Error("blob was not deleted")
	}
	if _, err := e.store.GetAsset(context.Background(), "asset-1", "owner1"); !errors.Is(err, models.ErrNotFound) {
		t.Error("asset row was not deleted")
	}
}
