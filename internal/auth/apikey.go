package auth

import (
	"crypto/subtle"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/agentcloud/agentcloud/internal/metrics"
)

var openModeOnce sync.Once

// RequireAPIKey guards operator routes with the configured key, presented as
// an X-API-Key header or an api_key query parameter (the query form exists
// for websocket clients, which cannot set headers). An empty configured key
// disables the check so local development runs without credentials; rejected
// requests are counted in the auth failure metric.
func RequireAPIKey(apiKey string) echo.MiddlewareFunc {
	if apiKey == "" {
		openModeOnce.Do(func() {
			log.Println("auth: no API key configured, operator routes are open")
		})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := requestAPIKey(c)
			if provided == "" {
				metrics.AuthFailuresTotal.WithLabelValues("missing_api_key").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				metrics.AuthFailuresTotal.WithLabelValues("invalid_api_key").Inc()
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}

			return next(c)
		}
	}
}

func requestAPIKey(c echo.Context) string {
	if key := c.Request().Header.Get("X-API-Key"); key != "" {
		return key
	}
	return c.QueryParam("api_key")
}
