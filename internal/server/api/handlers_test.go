package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drop/internal/server/config"
	"drop/internal/server/ident"
	"drop/internal/server/metrics"
	"drop/internal/server/service"
	"drop/internal/server/storage"
)

const testMaxFileSize = 1024

type testServer struct {
	e     *echo.Echo
	store *storage.MemoryStore
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	alloc, err := ident.NewAllocator(ident.DefaultLength)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	m := metrics.New()
	svc := service.NewUploadService(store, alloc, nil, m, service.Options{
		MaxFileSize: testMaxFileSize,
		MaxAttempts: 5,
	})

	if cfg == nil {
		cfg = &config.Config{}
	}
	handler := NewHandler(svc, nil, "")
	return &testServer{e: SetupRouter(handler, cfg, m), store: store}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

// multipartBody builds a form with a single file part under field.
func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.WriteField("note", "ignored"))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func newUploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, field, filename, data)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Host = "drop.test"
	return req
}

func uploadOK(t *testing.T, ts *testServer, filename string, data []byte) service.UploadResult {
	t.Helper()
	rec := ts.do(newUploadRequest(t, "file", filename, data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestHandleUpload(t *testing.T) {
	t.Run("stores file and returns url", func(t *testing.T) {
		ts := newTestServer(t, nil)
		data := []byte("\x89PNG\r\n\x1a\nnot-really-a-png")

		result := uploadOK(t, ts, "Holiday.PNG", data)
		assert.True(t, result.Success)
		assert.Equal(t, "Holiday.PNG", result.OriginalName)
		assert.Regexp(t, `^http://drop\.test/i/[0-9A-Za-z]{6}\.png$`, result.URL)
		assert.Equal(t, 1, ts.store.Len())

		u, err := url.Parse(result.URL)
		require.NoError(t, err)
		rec := ts.do(httptest.NewRequest(http.MethodGet, u.Path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, data, rec.Body.Bytes())
		assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	})

	t.Run("classifies by extension", func(t *testing.T) {
		ts := newTestServer(t, nil)
		tests := map[string]string{
			"clip.mp4":   "/v/",
			"clip.MOV":   "/v/",
			"doc.pdf":    "/f/",
			"noext":      "/f/",
			"photo.webp": "/i/",
		}
		for name, prefix := range tests {
			result := uploadOK(t, ts, name, []byte("payload"))
			assert.Contains(t, result.URL, prefix, name)
		}
	})

	t.Run("missing file field", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rec := ts.do(newUploadRequest(t, "", "", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No file uploaded"}`, rec.Body.String())
	})

	t.Run("wrong field name", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rec := ts.do(newUploadRequest(t, "upload", "a.txt", []byte("data")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No file uploaded"}`, rec.Body.String())
		assert.Equal(t, 0, ts.store.Len())
	})

	t.Run("not multipart", func(t *testing.T) {
		ts := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(`{"file":"x"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := ts.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"No file uploaded"}`, rec.Body.String())
	})

	t.Run("exactly max size succeeds", func(t *testing.T) {
		ts := newTestServer(t, nil)
		uploadOK(t, ts, "max.bin", bytes.Repeat([]byte{'a'}, testMaxFileSize))
		assert.Equal(t, 1, ts.store.Len())
	})

	t.Run("one byte over max is rejected", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rec := ts.do(newUploadRequest(t, "file", "big.bin", bytes.Repeat([]byte{'a'}, testMaxFileSize+1)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.JSONEq(t, `{"error":"File too large"}`, rec.Body.String())
		assert.Equal(t, 0, ts.store.Len())
	})

	t.Run("declared length over limit is rejected before reading", func(t *testing.T) {
		ts := newTestServer(t, nil)
		req := newUploadRequest(t, "file", "a.txt", []byte("small"))
		req.ContentLength = testMaxFileSize + config.MultipartOverhead + 1
		rec := ts.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, 0, ts.store.Len())
	})

	t.Run("error payload does not leak paths", func(t *testing.T) {
		ts := newTestServer(t, nil)
		rec := ts.do(newUploadRequest(t, "file", "../../etc/passwd", bytes.Repeat([]byte{'a'}, testMaxFileSize+1)))
		assert.NotContains(t, rec.Body.String(), "/")
	})
}

func TestHandleServe(t *testing.T) {
	ts := newTestServer(t, nil)
	data := []byte("0123456789")
	result := uploadOK(t, ts, "notes.txt", data)
	u, err := url.Parse(result.URL)
	require.NoError(t, err)
	key := strings.TrimPrefix(u.Path, "/f/")

	t.Run("serves with safety headers", func(t *testing.T) {
		rec := ts.do(httptest.NewRequest(http.MethodGet, u.Path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "sandbox", rec.Header().Get("Content-Security-Policy"))
		assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
		assert.Equal(t, data, rec.Body.Bytes())
	})

	t.Run("supports range requests", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, u.Path, nil)
		req.Header.Set("Range", "bytes=2-5")
		rec := ts.do(req)
		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "2345", rec.Body.String())
	})

	t.Run("head has no body", func(t *testing.T) {
		rec := ts.do(httptest.NewRequest(http.MethodHead, u.Path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get(echo.HeaderContentLength))
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("other prefixes resolve the same key", func(t *testing.T) {
		for _, prefix := range []string{"/i/", "/v/"} {
			rec := ts.do(httptest.NewRequest(http.MethodGet, prefix+key, nil))
			assert.Equal(t, http.StatusOK, rec.Code, prefix)
		}
	})

	t.Run("missing objects are plain text 404", func(t *testing.T) {
		for _, path := range []string{"/f/zzzzzz.txt", "/i/nothere.png", "/v/abc", "/f/..%2Fetc%2Fpasswd"} {
			rec := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			assert.Equal(t, "File not found", rec.Body.String(), path)
			assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain), path)
		}
	})
}

func TestStrictClassPrefix(t *testing.T) {
	alloc, err := ident.NewAllocator(ident.DefaultLength)
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	m := metrics.New()
	svc := service.NewUploadService(store, alloc, nil, m, service.Options{
		MaxFileSize:       testMaxFileSize,
		MaxAttempts:       5,
		StrictClassPrefix: true,
	})
	ts := &testServer{e: SetupRouter(NewHandler(svc, nil, "https://cdn.example"), &config.Config{}, m), store: store}

	result := uploadOK(t, ts, "cat.gif", []byte("GIF89a"))
	assert.True(t, strings.HasPrefix(result.URL, "https://cdn.example/i/"))

	u, err := url.Parse(result.URL)
	require.NoError(t, err)
	key := strings.TrimPrefix(u.Path, "/i/")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/i/"+key, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v/"+key, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRateLimit(t *testing.T) {
	ts := newTestServer(t, &config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	uploadOK(t, ts, "a.txt", []byte("one"))

	rec := ts.do(newUploadRequest(t, "file", "b.txt", []byte("two")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, ts.store.Len())

	// retrieval is not limited
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/f/zzzzzz.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleIndex(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<form")

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/upload")
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","storage":"ok","database":"disabled"}`, rec.Body.String())
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"stats unavailable"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadOK(t, ts, "a.png", []byte("img"))
	ts.do(httptest.NewRequest(http.MethodGet, "/i/missing.png", nil))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `drop_uploads_total{class="image",result="ok"} 1`)
	assert.Contains(t, text, `drop_retrievals_total{prefix="i",result="not_found"} 1`)
	assert.Contains(t, text, `route="/api/upload"`)
}
