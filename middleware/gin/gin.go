// Package gin provides Gin middleware that gates episode playback on the
// viewer's entitlement.
package gin

import (
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// UserIDExtractor extracts the user id from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// EpisodeExtractor extracts the episode identity from a Gin context.
type EpisodeExtractor func(c *gongin.Context) (seriesID string, episodeNum int, err error)

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
	OnDenied func(c *gongin.Context)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error (404 for unknown episodes).
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that blocks playback of episodes
// the user has not unlocked.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Fail fast on misconfiguration.
	if cfg.Service == nil {
		panic("entitlement/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlement/gin: Config.GetUserID is required")
	}
	if cfg.GetEpisode == nil {
		panic("entitlement/gin: Config.GetEpisode is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		seriesID, episodeNum, err := cfg.GetEpisode(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		ok, err := cfg.Service.HasAccess(c.Request.Context(), userID, seriesID, episodeNum)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else if errors.Is(err, entitlement.ErrEpisodeNotFound) {
				c.JSON(http.StatusNotFound, gongin.H{"error": "Not Found"})
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error":   "Forbidden",
					"message": "episode is locked",
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Convenience extractors for user id

// FromContext returns a UserIDExtractor that gets user id from Gin
// context values, as set by auth middleware via c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user id from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for episode identity

// FromParams returns an EpisodeExtractor that reads route parameters,
// e.g. /series/:seriesId/episodes/:episodeNum/stream.
func FromParams(seriesParam, episodeParam string) EpisodeExtractor {
	return func(c *gongin.Context) (string, int, error) {
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
	return func(*gongin.Context) (string, int, error) {
		return seriesID, episodeNum, nil
	}
}
