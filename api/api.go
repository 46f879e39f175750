// Package api provides the HTTP surface of the relay: the Server-Sent-
// Events stream endpoints and a stats endpoint.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/xraph/jobstream"
)

// API wires the relay's HTTP handlers together.
type API struct {
	relay  *jobstream.Relay
	logger *slog.Logger
}

// New creates an API serving the given relay.
func New(relay *jobstream.Relay) *API {
	return &API{relay: relay, logger: relay.Logger()}
}

// RegisterRoutes registers all relay routes on the given router.
func (a *API) RegisterRoutes(router gin.IRouter) {
	router.GET("/events", a.streamEvents)
	router.GET("/servers/:serverId/events", a.streamEvents)
	router.GET("/stats", a.stats)
}

// Handler returns a standalone engine with all routes registered, for
// callers that do not bring their own router.
func (a *API) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(a.logger))
	a.RegisterRoutes(engine)
	return engine
}
