package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mkraev/roomhop/internal/adapters/dialin"
	"github.com/mkraev/roomhop/internal/app"
	"github.com/mkraev/roomhop/internal/config"
	"github.com/mkraev/roomhop/internal/core"
)

func SetupRouter(
	ctx context.Context,
	cfg *config.Config,
	registry *core.RoomRegistry,
	coordinator *app.Coordinator,
	dial *dialin.Controller,
) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.Snapshot())
	})

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, coordinator.Snapshot())
	})

	api.GET("/ws/dial", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Msg("dial endpoint hit")
		dial.HandleDial(ctx, c)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
