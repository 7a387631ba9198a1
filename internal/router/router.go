package router

import (
	"log/slog"
	"time"

	"hpsweep/internal/handler"
	"hpsweep/internal/service"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svcCtx *service.ServiceContext, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 初始化handlers
	studyHandler := handler.NewStudyHandler(svcCtx.Store)

	// API路由（只读）
	api := r.Group("/api")
	{
		studies := api.Group("/studies")
		{
			studies.GET("", studyHandler.ListStudies)
			studies.GET("/:name", studyHandler.GetStudy)
			studies.GET("/:name/trials", studyHandler.ListTrials)
			studies.GET("/:name/trials/:number", studyHandler.GetTrial)
			studies.GET("/:name/best", studyHandler.BestTrial)
			studies.GET("/:name/summary", studyHandler.Summary)
		}
	}

	return r
}

// requestLogger 用 slog 记录每个请求
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
