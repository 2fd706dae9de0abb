package main

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nexus/internal/version"
)

func (d *deps) healthHandler(c echo.Context) error {
	ctx := c.Request().Context()
	out := map[string]any{"status": "ok", "version": version.Version}
	if d.store != nil {
		if err := d.store.Ping(ctx); err != nil {
			out["storage"] = "degraded"
		} else {
			out["storage"] = "ok"
		}
	}
	if d.redis != nil {
		if err := d.redis(ctx); err != nil {
			out["cache"] = "degraded"
		} else {
			out["cache"] = "ok"
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (d *deps) currentUsageHandler(c echo.Context) error {
	accountID := c.QueryParam("accountId")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "accountId is required"})
	}
	window, _ := strconv.Atoi(c.QueryParam("window"))
	totals, err := d.tracker.CurrentWindow(c.Request().Context(), accountID, window)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "usage query failed"})
	}
	return c.JSON(http.StatusOK, totals)
}

func (d *deps) dailyUsageHandler(c echo.Context) error {
	accountID := c.QueryParam("accountId")
	if accountID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "accountId is required"})
	}
	days, _ := strconv.Atoi(c.QueryParam("days"))
	series, err := d.tracker.Daily(c.Request().Context(), accountID, days)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "usage query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"days": series})
}
