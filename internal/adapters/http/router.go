// Package http exposes the stage client over a local control API.
package http

import (
	"context"
	"time"

	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SetupRouter wires the control API, the websocket feed and /metrics.
// The feed and the limiter janitor live until ctx ends.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())
	r.Use(MetricsMiddleware(o.Metrics))

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	limiter := NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateInterval)
	go pruneLoop(ctx, limiter, cfg.HTTP.RateInterval)

	feed := NewFeed(o, cfg.PingPeriod, cfg.ReadLimit, cfg.StatsInterval)
	feed.Start(ctx)

	h := &handlers{o: o}
	api := r.Group("/api")

	api.GET("/ws/feed", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientKey)).Msg("ws feed endpoint hit")
		feed.Serve(ctx, c)
	})

	api.GET("/state", h.state)
	api.GET("/participants", h.participants)
	api.GET("/filters", h.filterStatus)
	api.GET("/filters/chains", h.chains)
	api.GET("/notices", h.notices)
	api.GET("/devices", h.devices)

	ctl := api.Group("", RateLimitMiddleware(limiter))
	ctl.POST("/join", h.join)
	ctl.POST("/leave", h.leave)
	ctl.PUT("/filters/voice-focus", h.toggleVoiceFocus)
	ctl.PUT("/filters/normalize", h.toggleNormalize)
	ctl.PUT("/filters/monitoring", h.toggleMonitoring)
	ctl.PUT("/filters/monitoring/gain", h.monitoringGain)
	ctl.PUT("/filters/chains/:id", h.updateChain)
	ctl.DELETE("/notices/:id", h.dismissNotice)
	ctl.POST("/devices/refresh", h.refreshDevices)
	ctl.PUT("/devices/audio", h.setAudioDevice)
	ctl.PUT("/devices/video", h.setVideoDevice)
	ctl.PUT("/devices/catalog", h.setCatalog)
	ctl.POST("/mute/:kind", h.toggleMute)

	log.Info().Str("module", "adapters.http").Str("addr", cfg.HTTP.Addr).Msg("router setup")
	return r
}

func pruneLoop(ctx context.Context, rl *RateLimiter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(10 * interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Prune()
		}
	}
}
