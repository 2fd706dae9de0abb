package main

import (
	"context"

	"github.com/labstack/echo/v4"

	"nexus/internal/proxy"
	"nexus/internal/storage"
	"nexus/internal/usage"
)

// deps bundles what the handlers need.
type deps struct {
	service *proxy.Service
	tracker *usage.Tracker
	store   *storage.Store
	redis   func(context.Context) error
}

// registerRoutes sets up all the routes for the proxy.
func registerRoutes(e *echo.Echo, d *deps) {
	e.POST("/v1/messages", d.service.HandleMessages)
	e.GET("/health", d.healthHandler)

	api := e.Group("/api")
	api.GET("/token-usage/current", d.currentUsageHandler)
	api.GET("/token-usage/daily", d.dailyUsageHandler)
}
