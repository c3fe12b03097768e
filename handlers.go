package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/herdlock/herdlock/internal/authclient"
	"github.com/herdlock/herdlock/internal/identity"
	"github.com/herdlock/herdlock/internal/storage"
	"github.com/rs/zerolog/log"
)

type tokenRequest struct {
	Scopes []string `json:"scopes"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func handlePostToken(tokens *authclient.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := tokens.Record(r.Context(), req.Scopes...)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Msg("token request failed")
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken: rec.AccessToken,
			TokenType:   "Bearer",
			Scope:       rec.Scope,
			ExpiresAt:   rec.ExpiresAt,
		})
	})
}

func handleClearCache(tokens *authclient.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := tokens.InvalidateAll(r.Context()); err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Msg("cache clear failed")
			writeJSONError(w, status, message)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck(backend storage.Backend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if !backend.Healthy(r.Context()) {
			writeJSONError(w, http.StatusServiceUnavailable, "storage backend unavailable")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// errorStatus maps the error taxonomy onto HTTP statuses: rejected
// credentials are the caller's problem, transient storage conditions ask for
// a retry, invalid scopes are a bad request.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrUnauthorized):
		return http.StatusUnauthorized, "identity endpoint rejected credentials"
	case errors.Is(err, storage.ErrLockTimeout):
		return http.StatusServiceUnavailable, "token refresh contended, retry"
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, "storage backend unavailable"
	case errors.Is(err, storage.ErrConfiguration):
		return http.StatusInternalServerError, "server misconfigured"
	default:
		return http.StatusBadRequest, err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Info().Err(err).Msg("failed to write response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// maxRequestSize limits request bodies; oversized reads fail in the handler.
func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// drainRequestBody consumes any unread body so the connection can be reused.
func drainRequestBody(r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}
