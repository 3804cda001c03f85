package api

import (
	"net/http"

	"drop/internal/server/config"
	"drop/internal/server/media"
	"drop/internal/server/metrics"
	"drop/web"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(RequestLogger())
	e.Use(Instrument(m))

	// Static client
	e.GET("/", handler.HandleIndex)
	e.StaticFS("/assets", echo.MustSubFS(web.FS(), "assets"))

	// Health, stats & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Upload (rate-limited)
	var uploadMiddleware []echo.MiddlewareFunc
	if cfg.RateLimitRPS > 0 {
		uploadMiddleware = append(uploadMiddleware, UploadRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	e.POST("/api/upload", handler.HandleUpload, uploadMiddleware...)

	// Retrieval: /i/:id, /v/:id, /f/:id
	for _, class := range []media.Class{media.ClassImage, media.ClassVideo, media.ClassFile} {
		path := "/" + class.Prefix() + "/:id"
		serve := handler.HandleServe(class.Prefix())
		e.GET(path, serve)
		e.HEAD(path, serve)
	}

	return e
}
