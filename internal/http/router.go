package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/arevik/schedulon/internal/http/handler"
	"github.com/arevik/schedulon/internal/http/middleware"
)

// NewRouter builds the admin ingestion/inspection API: a schedule can be
// submitted and later inspected. This lives entirely outside the scheduling
// engine; the Scheduler facade and Repository are the only collaborators it
// touches.
func NewRouter(logger *slog.Logger, scheduleHandler *handler.ScheduleHandler, jwtKey []byte, rps float64, burst int) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.RateLimit(rps, burst))

	schedules := r.Group("/schedules", middleware.Auth(jwtKey))
	schedules.POST("", scheduleHandler.Create)
	schedules.GET("/:id", scheduleHandler.GetByID)

	return r
}
