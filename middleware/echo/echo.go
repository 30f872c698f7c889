// Package echo provides Echo middleware that gates episode playback on
// the viewer's entitlement.
package echo

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// UserIDExtractor extracts the user id from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// EpisodeExtractor extracts the episode identity from an Echo context.
type EpisodeExtractor func(c echo.Context) (seriesID string, episodeNum int, err error)

// Config holds middleware configuration.
type Config struct {
	// Service is the entitlement service instance (required).
	Service *entitlement.Service

	// GetUserID extracts user id from context (required).
	GetUserID UserIDExtractor

	// GetEpisode extracts the episode identity from context (required).
	GetEpisode EpisodeExtractor

	// OnDenied is called when the user has no access to the episode.
	// If nil, returns 403 JSON.
	OnDenied func(c echo.Context) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error (404 for unknown episodes).
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that blocks playback of episodes
// the user has not unlocked.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Fail fast on misconfiguration.
	if cfg.Service == nil {
		panic("entitlement/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlement/echo: Config.GetUserID is required")
	}
	if cfg.GetEpisode == nil {
		panic("entitlement/echo: Config.GetEpisode is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			seriesID, episodeNum, err := cfg.GetEpisode(c)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			ok, err := cfg.Service.HasAccess(c.Request().Context(), userID, seriesID, episodeNum)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				if errors.Is(err, entitlement.ErrEpisodeNotFound) {
					return c.JSON(http.StatusNotFound, map[string]string{"error": "Not Found"})
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			if !ok {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":   "Forbidden",
					"message": "episode is locked",
				})
			}

			return next(c)
		}
	}
}

// Convenience extractors for user id

// FromContext returns a UserIDExtractor that gets user id from Echo
// context values, as set by auth middleware via c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user id from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for episode identity

// FromParams returns an EpisodeExtractor that reads route parameters,
// e.g. /series/:seriesId/episodes/:episodeNum/stream.
func FromParams(seriesParam, episodeParam string) EpisodeExtractor {
	return func(c echo.Context) (string, int, error) {
		seriesID := c.Param(seriesParam)
		if seriesID == "" {
			return "", 0, errors.New("missing series route parameter")
		}
		episodeNum, err := strconv.Atoi(c.Param(episodeParam))
		if err != nil || episodeNum <= 0 {
			return "", 0, errors.New("invalid episode route parameter")
		}
		return seriesID, episodeNum, nil
	}
}

// FixedEpisode returns an EpisodeExtractor that always returns the same
// episode.
func FixedEpisode(seriesID string, episodeNum int) EpisodeExtractor {
	return func(echo.Context) (string, int, error) {
		return seriesID, episodeNum, nil
	}
}
