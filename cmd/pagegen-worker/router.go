package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// batchCanceller is satisfied by *worker.Processor.
type batchCanceller interface {
	Cancel(ctx context.Context, batchID string) (bool, error)
}

type routerConfig struct {
	canceller batchCanceller
	gatherer  prometheus.Gatherer
	ready     func(ctx context.Context) error
	imageDir  string
	logger    *zap.Logger
}

func newRouter(cfg routerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.logger))

	r.GET("/healthz", func(c *gin.Context) {
		if cfg.ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{})))

	r.POST("/batches/:id/cancel", func(c *gin.Context) {
		id := c.Param("id")
		local, err := cfg.canceller.Cancel(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"batch_id": id, "local": local, "error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "local": local})
	})

	if cfg.imageDir != "" {
		r.Static("/images", cfg.imageDir)
	}
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
