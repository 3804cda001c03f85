package api

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"

	"drop/internal/server/config"
	"drop/internal/server/database"
	"drop/internal/server/service"
	"drop/web"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the drop API.
type Handler struct {
	svc           *service.UploadService
	db            *database.DB
	publicBaseURL string
}

// NewHandler creates a new handler. db may be nil when no ledger is
// configured; publicBaseURL may be empty to derive it from each request.
func NewHandler(svc *service.UploadService, db *database.DB, publicBaseURL string) *Handler {
	return &Handler{svc: svc, db: db, publicBaseURL: publicBaseURL}
}

// HandleUpload handles POST /api/upload.
// Reads the multipart body as a stream and pipes the "file" part straight
// into the upload service.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	limit := h.svc.MaxFileSize()
	if limit > math.MaxInt64-config.MultipartOverhead {
		limit = math.MaxInt64
	} else {
		limit += config.MultipartOverhead
	}

	// Reject before reading when the declared length already exceeds the limit
	if req.ContentLength > limit {
		return mapServiceError(c, service.ErrPayloadTooLarge)
	}
	req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)

	mr, err := req.MultipartReader()
	if err != nil {
		return mapServiceError(c, service.ErrNoFileProvided)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return mapServiceError(c, service.ErrNoFileProvided)
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return mapServiceError(c, service.ErrPayloadTooLarge)
			}
			return mapServiceError(c, service.ErrNoFileProvided)
		}

		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		result, err := h.svc.Store(req.Context(), service.UploadRequest{
			Filename:     part.FileName(),
			DeclaredType: part.Header.Get(echo.HeaderContentType),
			Body:         maxBytesReader{part},
			BaseURL:      h.baseURL(c),
		})
		part.Close()
		if err != nil {
			return mapServiceError(c, err)
		}

		return c.JSON(http.StatusOK, result)
	}
}

// HandleServe returns the handler for GET /{prefix}/:id.
// Streams the object with range support; the body is never buffered whole.
func (h *Handler) HandleServe(prefix string) echo.HandlerFunc {
	return func(c echo.Context) error {
		dl, err := h.svc.Resolve(c.Request().Context(), prefix, c.Param("id"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.String(http.StatusNotFound, "File not found")
			}
			return c.String(http.StatusInternalServerError, "Internal server error")
		}
		defer dl.Close()

		header := c.Response().Header()
		header.Set(echo.HeaderContentType, dl.ContentType)
		header.Set("Cache-Control", "public, max-age=31536000, immutable")
		header.Set("X-Content-Type-Options", "nosniff")
		// uploaded HTML or SVG must not run script in this origin
		header.Set("Content-Security-Policy", "sandbox")

		http.ServeContent(c.Response(), c.Request(), dl.Key, dl.ModTime, dl)
		return nil
	}
}

// HandleIndex handles GET /.
func (h *Handler) HandleIndex(c echo.Context) error {
	return echo.StaticFileHandler("index.html", web.FS())(c)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including storage and database.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	status := "healthy"
	code := http.StatusOK

	storageStatus := "ok"
	if err := h.svc.Ping(ctx); err != nil {
		slog.Error("storage health check failed", "error", err)
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		storageStatus = "unavailable"
	}

	dbStatus := "disabled"
	if h.db != nil {
		dbStatus = "connected"
		if err := h.db.HealthCheck(ctx); err != nil {
			slog.Warn("database health check failed", "error", err)
			if status == "healthy" {
				status = "degraded"
			}
			dbStatus = "unavailable"
		}
	}

	return c.JSON(code, echo.Map{
		"status":   status,
		"storage":  storageStatus,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate upload statistics from the ledger.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		if !errors.Is(err, service.ErrLedgerDisabled) {
			slog.Error("failed to retrieve stats", "error", err)
		}
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// baseURL is scheme://host for public links. Scheme honours
// X-Forwarded-Proto through echo.
func (h *Handler) baseURL(c echo.Context) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNoFileProvided):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "No file uploaded"})
	case errors.Is(err, service.ErrPayloadTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "File too large"})
	case errors.Is(err, service.ErrUploadInterrupted):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Upload interrupted"})
	case errors.Is(err, service.ErrStorageConflict):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "Could not allocate a file name, please retry"})
	case errors.Is(err, service.ErrStorageIO):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to store file"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "File not found"})
	case errors.Is(err, service.ErrLedgerDisabled):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "stats unavailable"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// maxBytesReader reports http.MaxBytesReader overflow as ErrPayloadTooLarge.
type maxBytesReader struct {
	r io.Reader
}

func (m maxBytesReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return n, service.ErrPayloadTooLarge
	}
	return n, err
}
