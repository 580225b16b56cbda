package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/pipeline"
	"github.com/codemarcinu/new-egents/internal/services"
	"github.com/codemarcinu/new-egents/internal/testutil"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func (s *memStorage) Put(_ context.Context, key string, data []byte, contentType string) (*services.StoredImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return nil, s.failPut
	}
	s.objects[key] = data
	return &services.StoredImage{Bucket: "receipts", Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://s3.test/" + key, nil
}

func (s *memStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type testEnv struct {
	app    *fiber.App
	cfg    *config.Config
	store  *testutil.MemStore
	images *memStorage
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		UploadMaxBytes:     1 << 20,
		UploadAllowedTypes: []string{"image/jpeg", "image/png", "image/webp", "image/tiff", "image/bmp"},
		DefaultCurrency:    "PLN",
		LowStockThreshold:  5,
	}
	for _, m := range mutate {
		m(cfg)
	}

	log := logger.Nop()
	store := testutil.NewMemStore()
	images := &memStorage{objects: map[string][]byte{}}
	service := pipeline.NewService(store, store, services.NewMemoryLease(), pipeline.DefaultRetryPolicy(), &testutil.RecordingNotifier{}, log)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, cfg, Handlers{
		Receipts:  NewReceiptHandler(cfg, store, images, service, nil, log),
		Inventory: NewInventoryHandler(cfg, services.NewInventoryUpdater(store, cfg.LowStockThreshold, log, nil), log),
		Products:  NewProductHandler(store, log),
	})
	return &testEnv{app: app, cfg: cfg, store: store, images: images}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *Meta           `json:"meta"`
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func jsonRequest(method, target, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func uploadRequest(t *testing.T, filename, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/receipts", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func (e *testEnv) upload(t *testing.T) UploadResponse {
	t.Helper()
	code, env := e.do(t, uploadRequest(t, "paragon.png", "image/png", pngBytes(t), nil))
	require.Equal(t, fiber.StatusAccepted, code, env.Error)
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	return resp
}

func TestUploadReceiptQueuesJob(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(t)

	assert.True(t, resp.Queued)
	assert.NotEmpty(t, resp.JobID)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, models.StepUploaded, resp.Receipt.ProcessingStep)
	assert.Equal(t, "image/png", resp.Receipt.ContentType)
	assert.Equal(t, "PLN", resp.Receipt.Currency)
	assert.True(t, strings.HasPrefix(resp.Receipt.S3Key, "receipts/"))
	assert.True(t, strings.HasSuffix(resp.Receipt.S3Key, ".png"))
	assert.Equal(t, 1, env.images.count())

	job, err := env.store.Job(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Equal(t, resp.Receipt.ID, job.ReceiptID)
}

func TestUploadReceiptValidation(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		fields      map[string]string
		wantErr     string
	}{
		{
			name:        "text disguised as png",
			filename:    "notes.png",
			contentType: "image/png",
			data:        []byte("just some text, not an image"),
			wantErr:     "invalid image type",
		},
		{
			name:        "too large",
			filename:    "big.png",
			contentType: "image/png",
			data:        append(pngBytes(t), make([]byte, 4096)...),
			wantErr:     "file too large",
		},
		{
			name:        "empty",
			filename:    "empty.png",
			contentType: "image/png",
			data:        []byte{},
			wantErr:     "empty",
		},
		{
			name:        "bad currency",
			filename:    "paragon.png",
			contentType: "image/png",
			data:        pngBytes(t),
			fields:      map[string]string{"currency": "ZLOTY"},
			wantErr:     "currency",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) { c.UploadMaxBytes = 2048 })

			code, body := env.do(t, uploadRequest(t, tt.filename, tt.contentType, tt.data, tt.fields))

			assert.Equal(t, fiber.StatusBadRequest, code)
			assert.False(t, body.Success)
			assert.Contains(t, body.Error, tt.wantErr)
			assert.Zero(t, env.images.count(), "nothing is stored for a rejected upload")
		})
	}
}

func TestUploadReceiptMissingFile(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/receipts", strings.NewReader(""))

	code, body := env.do(t, req)

	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, "image file is required", body.Error)
}

func TestUploadReceiptFallsBackToDeclaredType(t *testing.T) {
	env := newTestEnv(t)
	// little-endian TIFF header followed by binary noise
	tiff := []byte{0x49, 0x49, 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}

	code, body := env.do(t, uploadRequest(t, "scan.tif", "image/tiff", tiff, map[string]string{"currency": "eur"}))

	require.Equal(t, fiber.StatusAccepted, code, body.Error)
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(body.Data, &resp))
	assert.Equal(t, "image/tiff", resp.Receipt.ContentType)
	assert.Equal(t, "EUR", resp.Receipt.Currency)
}

func TestUploadReceiptStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.images.failPut = testutil.ErrInjected

	code, body := env.do(t, uploadRequest(t, "paragon.png", "image/png", pngBytes(t), nil))

	assert.Equal(t, fiber.StatusInternalServerError, code)
	assert.Equal(t, "failed to upload image", body.Error)
	receipts, total, err := env.store.ListReceipts(context.Background(), &models.ReceiptListParams{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, receipts)
}

func TestGetReceipt(t *testing.T) {
	env := newTestEnv(t)
	uploaded := env.upload(t)

	code, body := env.do(t, jsonRequest(http.MethodGet, fmt.Sprintf("/api/receipts/%d", uploaded.Receipt.ID), ""))
	require.Equal(t, fiber.StatusOK, code)

	var detail ReceiptDetail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Equal(t, uploaded.Receipt.ID, detail.ID)
	assert.Equal(t, 10, detail.ProgressPercentage)
	require.NotNil(t, detail.ImageURL)
	assert.Equal(t, "https://s3.test/"+uploaded.Receipt.S3Key, *detail.ImageURL)

	code, _ = env.do(t, jsonRequest(http.MethodGet, "/api/receipts/999", ""))
	assert.Equal(t, fiber.StatusNotFound, code)

	code, body = env.do(t, jsonRequest(http.MethodGet, "/api/receipts/abc", ""))
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, "invalid receipt ID", body.Error)
}

func TestListReceipts(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t)
	env.upload(t)

	code, body := env.do(t, jsonRequest(http.MethodGet, "/api/receipts?limit=500", ""))

	require.Equal(t, fiber.StatusOK, code)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 2, body.Meta.Total)
	assert.Equal(t, 20, body.Meta.Limit, "out of range limits fall back to the default")

	var receipts []models.Receipt
	require.NoError(t, json.Unmarshal(body.Data, &receipts))
	assert.Len(t, receipts, 2)
}

func TestReceiptStatusAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	uploaded := env.upload(t)
	base := fmt.Sprintf("/api/receipts/%d", uploaded.Receipt.ID)

	code, body := env.do(t, jsonRequest(http.MethodGet, base+"/status", ""))
	require.Equal(t, fiber.StatusOK, code)
	var view models.ReceiptStatusView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	assert.Equal(t, models.ReceiptStatusPending, view.Status)
	assert.Equal(t, models.StepUploaded, view.ProcessingStep)
	assert.Equal(t, 10, view.ProgressPercentage)

	// the upload already queued a job
	code, body = env.do(t, jsonRequest(http.MethodPost, base+"/process", ""))
	assert.Equal(t, fiber.StatusConflict, code)
	assert.Equal(t, pipeline.ErrAlreadyRunning.Error(), body.Error)

	code, _ = env.do(t, jsonRequest(http.MethodPost, base+"/cancel", ""))
	require.Equal(t, fiber.StatusAccepted, code)
	job, err := env.store.Job(uploaded.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)

	code, body = env.do(t, jsonRequest(http.MethodPost, base+"/process", ""))
	require.Equal(t, fiber.StatusAccepted, code, body.Error)

	code, _ = env.do(t, jsonRequest(http.MethodGet, "/api/receipts/999/status", ""))
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestProcessFinishedReceiptConflicts(t *testing.T) {
	env := newTestEnv(t)
	uploaded := env.upload(t)
	require.NoError(t, env.store.UpdateReceiptProgress(context.Background(), uploaded.Receipt.ID,
		models.ReceiptStatusCompleted, models.StepDone, nil))

	code, body := env.do(t, jsonRequest(http.MethodPost, fmt.Sprintf("/api/receipts/%d/process", uploaded.Receipt.ID), ""))
	assert.Equal(t, fiber.StatusConflict, code)
	assert.Equal(t, pipeline.ErrReceiptFinished.Error(), body.Error)

	code, _ = env.do(t, jsonRequest(http.MethodPost, fmt.Sprintf("/api/receipts/%d/cancel", uploaded.Receipt.ID), ""))
	assert.Equal(t, fiber.StatusConflict, code)
}

func TestDeleteReceipt(t *testing.T) {
	env := newTestEnv(t)
	uploaded := env.upload(t)
	target := fmt.Sprintf("/api/receipts/%d", uploaded.Receipt.ID)

	code, _ := env.do(t, jsonRequest(http.MethodDelete, target, ""))
	require.Equal(t, fiber.StatusOK, code)
	assert.Zero(t, env.images.count())

	code, _ = env.do(t, jsonRequest(http.MethodGet, target, ""))
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = env.do(t, jsonRequest(http.MethodDelete, target, ""))
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestStreamEventsWithoutSubscriber(t *testing.T) {
	env := newTestEnv(t)
	uploaded := env.upload(t)

	code, body := env.do(t, jsonRequest(http.MethodGet, fmt.Sprintf("/api/receipts/%d/events", uploaded.Receipt.ID), ""))

	assert.Equal(t, fiber.StatusNotImplemented, code)
	assert.Equal(t, "progress events are not configured", body.Error)
}

func TestSettled(t *testing.T) {
	tests := []struct {
		step   models.ProcessingStep
		status models.ReceiptStatus
		want   bool
	}{
		{models.StepOCRInProgress, models.ReceiptStatusProcessing, false},
		{models.StepMatchingCompleted, models.ReceiptStatusPending, false},
		{models.StepParsingInProgress, models.ReceiptStatusError, true},
		{models.StepReviewPending, models.ReceiptStatusReviewPending, true},
		{models.StepDone, models.ReceiptStatusCompleted, true},
		{models.StepFailed, models.ReceiptStatusError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.step)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, settled(models.ProgressEvent{ProcessingStep: tt.step, Status: tt.status}))
		})
	}
}
