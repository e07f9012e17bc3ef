package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/textops-io/textops/internal/handlers"
)

type RouterConfig struct {
	InboundHandler *handlers.InboundHandler
	RunsHandler    *handlers.RunsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("textops"))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5174"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/dev/inbound", cfg.InboundHandler.PostInbound)
	router.GET("/runs", cfg.RunsHandler.ListRuns)
	router.GET("/runs/:runId", cfg.RunsHandler.GetRun)

	return router
}
