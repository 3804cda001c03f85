package client_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drop/internal/client"
	"drop/internal/server/api"
	"drop/internal/server/config"
	"drop/internal/server/ident"
	"drop/internal/server/metrics"
	"drop/internal/server/service"
	"drop/internal/server/storage"
)

func setupTestFiles(t *testing.T, files map[string][]byte) []string {
	t.Helper()
	tmpDir := t.TempDir()
	var paths []string

	for filename, content := range files {
		filePath := filepath.Join(tmpDir, filename)
		require.NoError(t, os.WriteFile(filePath, content, 0644))
		paths = append(paths, filePath)
	}

	return paths
}

func assertValidationError(t *testing.T, err error, expectedArg, expectedCause string) {
	t.Helper()
	var validationErr *client.ValidationError
	require.ErrorAs(t, err, &validationErr)
	if expectedArg != "" {
		assert.Equal(t, expectedArg, validationErr.Arg)
	}
	assert.Equal(t, expectedCause, validationErr.Cause)
}

func newServer(t *testing.T, maxFileSize int64) *httptest.Server {
	t.Helper()
	alloc, err := ident.NewAllocator(ident.DefaultLength)
	require.NoError(t, err)

	m := metrics.New()
	svc := service.NewUploadService(storage.NewMemoryStore(), alloc, nil, m, service.Options{
		MaxFileSize: maxFileSize,
		MaxAttempts: 5,
	})
	e := api.SetupRouter(api.NewHandler(svc, nil, ""), &config.Config{}, m)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestParseArgs(t *testing.T) {
	t.Run("empty args returns error", func(t *testing.T) {
		result, err := client.ParseArgs([]string{})
		assert.Nil(t, result)
		assertValidationError(t, err, "<files>", "no files provided")
	})

	t.Run("multiple files", func(t *testing.T) {
		paths := setupTestFiles(t, map[string][]byte{
			"file1.txt": []byte("content1"),
			"file2.png": []byte("content2"),
		})

		result, err := client.ParseArgs(paths)
		require.NoError(t, err)
		assert.ElementsMatch(t, paths, result)
	})

	t.Run("nonexistent path returns error", func(t *testing.T) {
		result, err := client.ParseArgs([]string{"/nonexistent/path/file.txt"})
		assert.Nil(t, result)
		assertValidationError(t, err, "/nonexistent/path/file.txt", "not found or not accessible")
	})

	t.Run("directory returns error", func(t *testing.T) {
		dir := t.TempDir()
		_, err := client.ParseArgs([]string{dir})
		assertValidationError(t, err, dir, "not a regular file")
	})

	t.Run("path cleaning", func(t *testing.T) {
		paths := setupTestFiles(t, map[string][]byte{"test.txt": []byte("content")})
		messyPath := filepath.Dir(paths[0]) + "/./sub/../test.txt"

		result, err := client.ParseArgs([]string{messyPath})
		require.NoError(t, err)
		assert.Equal(t, []string{paths[0]}, result)
	})
}

func TestValidationError(t *testing.T) {
	err := &client.ValidationError{Arg: "test.txt", Cause: "file not found"}
	assert.Equal(t, `invalid argument "test.txt": file not found`, err.Error())
}

func TestUpload(t *testing.T) {
	t.Run("streams file and returns url", func(t *testing.T) {
		srv := newServer(t, 1<<20)
		data := bytes.Repeat([]byte("drop"), 4096)
		paths := setupTestFiles(t, map[string][]byte{"clip.MP4": data})

		result, err := client.New(srv.URL, srv.Client()).Upload(context.Background(), paths[0])
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "clip.MP4", result.OriginalName)
		assert.Regexp(t, `/v/[0-9A-Za-z]{6}\.mp4$`, result.URL)

		resp, err := srv.Client().Get(result.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, data, got)
	})

	t.Run("surfaces server errors", func(t *testing.T) {
		srv := newServer(t, 8)
		paths := setupTestFiles(t, map[string][]byte{"big.bin": []byte("more than eight bytes")})

		_, err := client.New(srv.URL+"/", srv.Client()).Upload(context.Background(), paths[0])
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
		assert.Equal(t, "File too large", apiErr.Message)
	})

	t.Run("non json error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.Copy(io.Discard, r.Body)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer srv.Close()
		paths := setupTestFiles(t, map[string][]byte{"a.txt": []byte("a")})

		_, err := client.New(srv.URL, srv.Client()).Upload(context.Background(), paths[0])
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
		assert.Equal(t, "server returned 502", apiErr.Error())
	})

	t.Run("sends multipart file field", func(t *testing.T) {
		var gotName, gotField string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mr, err := r.MultipartReader()
			if err == nil {
				if part, err := mr.NextPart(); err == nil {
					gotField, gotName = part.FormName(), part.FileName()
				}
			}
			w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			w.Write([]byte(`{"success":true,"url":"http://x/f/abcdef.txt","type":"text/plain","originalName":"a.txt"}`))
		}))
		defer srv.Close()
		paths := setupTestFiles(t, map[string][]byte{"a.txt": []byte("a")})

		result, err := client.New(srv.URL, srv.Client()).Upload(context.Background(), paths[0])
		require.NoError(t, err)
		assert.Equal(t, "file", gotField)
		assert.Equal(t, "a.txt", gotName)
		assert.Equal(t, "http://x/f/abcdef.txt", result.URL)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := client.New("http://127.0.0.1:1", nil).Upload(context.Background(), "/nonexistent/file")
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
