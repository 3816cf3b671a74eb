package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/middleware"
	"github.com/nexvision/intake/internal/service"
)

// HealthCheck reports the state of one backing service.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Log      zerolog.Logger
	Config   *config.AppConfig
	Checks   map[string]HealthCheck
	Analysis *service.AnalysisService
	Uploads  *service.UploadService
	Limiter  *middleware.RateLimiter
}

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	checks   map[string]HealthCheck
	analysis *service.AnalysisService
	uploads  *service.UploadService
	limiter  *middleware.RateLimiter
}

func NewHandlerSet(d Deps) HandlerSet {
	return HandlerSet{
		log:      d.Log,
		cfg:      d.Config,
		checks:   d.Checks,
		analysis: d.Analysis,
		uploads:  d.Uploads,
		limiter:  d.Limiter,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		orient := v1.Group("/orientation")
		orient.POST("/inspect", h.InspectOrientation)
		orient.POST("/correct", h.CorrectOrientation)

		g := v1.Group("/gate")
		g.POST("/decide", h.Decide)
		g.POST("/analyze", h.limited(h.Analyze)...)

		uploads := v1.Group("/uploads")
		uploads.POST("", h.limited(h.CreateUpload)...)

		owned := uploads.Group("/:id")
		owned.Use(middleware.UploadToken(h.cfg.Security.UploadTokenSecret))
		owned.GET("", h.GetUpload)
		owned.POST("/reimagine", h.limited(h.Reimagine)...)
	}
}

// limited prefixes handler with the per-IP rate limiter. Only routes that call
// a paid provider are limited.
func (h HandlerSet) limited(handler gin.HandlerFunc) []gin.HandlerFunc {
	if h.limiter == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{middleware.RateLimit(h.limiter, h.log), handler}
}
