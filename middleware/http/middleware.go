// Package http provides HTTP middleware that gates episode playback on
// the viewer's entitlement: the wrapped handler only runs when the
// entitlement service confirms access.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// UserIDExtractor extracts the user id from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// EpisodeExtractor extracts the episode identity from an HTTP request.
type EpisodeExtractor func(r *http.Request) (seriesID string, episodeNum int, err error)

// Config holds middleware configuration.
type Config struct {
	// Service is the entitlement service instance (required).
	Service *entitlement.Service

	// GetUserID extracts user id from request (required).
	GetUserID UserIDExtractor

	// GetEpisode extracts the episode identity from request (required).
	GetEpisode EpisodeExtractor

	// OnDenied is called when the user has no access to the episode.
	// If nil, returns 403 Forbidden.
	OnDenied func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error (404 for unknown episodes).
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that blocks playback of episodes
// the user has not unlocked. It never mutates entitlement state.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			seriesID, episodeNum, err := config.GetEpisode(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ok, err := config.Service.HasAccess(r.Context(), userID, seriesID, episodeNum)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if errors.Is(err, entitlement.ErrEpisodeNotFound) {
					http.Error(w, "Not Found", http.StatusNotFound)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !ok {
				if config.OnDenied != nil {
					config.OnDenied(w, r)
				} else {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates the middleware in http.HandlerFunc form.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FromQuery returns an EpisodeExtractor that reads query parameters.
func FromQuery(seriesParam, episodeParam string) EpisodeExtractor {
	return func(r *http.Request) (string, int, error) {
		seriesID := r.URL.Query().Get(seriesParam)
		if seriesID == "" {
			return "", 0, fmt.Errorf("missing %s parameter", seriesParam)
		}
		episodeNum, err := strconv.Atoi(r.URL.Query().Get(episodeParam))
		if err != nil || episodeNum <= 0 {
			return "", 0, fmt.Errorf("invalid %s parameter", episodeParam)
		}
		return seriesID, episodeNum, nil
	}
}

// FixedEpisode returns an EpisodeExtractor that always returns the same
// episode. Useful in tests and single-episode routes.
func FixedEpisode(seriesID string, episodeNum int) EpisodeExtractor {
	return func(*http.Request) (string, int, error) {
		return seriesID, episodeNum, nil
	}
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user id.
	UserIDKey ContextKey = "entitlement:userID"
)

// FromContext returns a UserIDExtractor that gets user id from the
// request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user id from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds a user id to the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
