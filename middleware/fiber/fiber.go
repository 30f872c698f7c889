// Package fiber provides Fiber middleware that gates episode playback on
// the viewer's entitlement.
package fiber

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// UserIDExtractor extracts the user id from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// EpisodeExtractor extracts the episode identity from a Fiber context.
type EpisodeExtractor func(c *fiber.Ctx) (seriesID string, episodeNum int, err error)

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
	OnDenied func(c *fiber.Ctx) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error (404 for unknown episodes).
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that blocks playback of episodes
// the user has not unlocked.
func Middleware(cfg Config) fiber.Handler {
	// Fail fast on misconfiguration.
	if cfg.Service == nil {
		panic("entitlement/fiber: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("entitlement/fiber: Config.GetUserID is required")
	}
	if cfg.GetEpisode == nil {
		panic("entitlement/fiber: Config.GetEpisode is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		seriesID, episodeNum, err := cfg.GetEpisode(c)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		// Fiber is fasthttp-based; UserContext carries the context.Context.
		ok, err := cfg.Service.HasAccess(c.UserContext(), userID, seriesID, episodeNum)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			if errors.Is(err, entitlement.ErrEpisodeNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not Found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
		if !ok {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "Forbidden",
				"message": "episode is locked",
			})
		}

		return c.Next()
	}
}

// Convenience extractors for user id

// FromLocals returns a UserIDExtractor that gets user id from Fiber
// locals, as set by auth middleware via c.Locals.
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user id from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for episode identity

// FromParams returns an EpisodeExtractor that reads route parameters,
// e.g. /series/:seriesId/episodes/:episodeNum/stream.
func FromParams(seriesParam, episodeParam string) EpisodeExtractor {
	return func(c *fiber.Ctx) (string, int, error) {
		seriesID := c.Params(seriesParam)
		if seriesID == "" {
			return "", 0, errors.New("missing series route parameter")
		}
		episodeNum, err := strconv.Atoi(c.Params(episodeParam))
		if err != nil || episodeNum <= 0 {
			return "", 0, errors.New("invalid episode route parameter")
		}
		return seriesID, episodeNum, nil
	}
}

// FixedEpisode returns an EpisodeExtractor that always returns the same
// episode.
func FixedEpisode(seriesID string, episodeNum int) EpisodeExtractor {
	return func(*fiber.Ctx) (string, int, error) {
		return seriesID, episodeNum, nil
	}
}
