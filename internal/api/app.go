package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/profilesync/internal/profile"
	"github.com/kalambet/profilesync/internal/resume"
)

const maxRequestBodySize = 1 << 20 // 1MB

const maxPrefetchIDs = 100

type AppDeps struct {
	Profile   *profile.Manager
	Token     string
	JWTSecret string
	Logger    *slog.Logger
}

// PatchRequest is the body of PATCH /profiles/{userID}.
type PatchRequest struct {
	Profile  profile.ProfilePatch   `json:"profile"`
	Extended *profile.ExtendedPatch `json:"extended,omitempty"`
}

type PrefetchRequest struct {
	UserIDs []string `json:"user_ids"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token, deps.JWTSecret))

		r.Post("/profiles/prefetch", handlePrefetch(deps))
		r.Get("/profiles/{userID}", handleGetProfile(deps))
		r.Patch("/profiles/{userID}", handlePatchProfile(deps))
		r.Delete("/profiles/{userID}/cache", handleInvalidate(deps))
		r.Get("/profiles/{userID}/stream", handleStream(deps))
		r.Post("/profiles/{userID}/resume", handleImportResume(deps))
		r.Get("/cache/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !authorizeUser(w, r, userID) {
			return
		}

		entry, err := deps.Profile.GetProfile(r.Context(), userID, parseBoolParam(r, "refresh"))
		if err != nil {
			profileError(w, err)
			return
		}
		if entry.Stale {
			w.Header().Set("X-Profile-Stale", "true")
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !authorizeUser(w, r, userID) {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		var req PatchRequest
		if err := dec.Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		u, err := deps.Profile.UpdateProfile(r.Context(), userID, req.Profile, req.Extended)
		if err != nil {
			profileError(w, err)
			return
		}
		respondUpdate(w, r, u)
	}
}

// respondUpdate answers 202 with the optimistic entry, or with ?wait=1 blocks
// for the authoritative entry for at most ?timeout= seconds.
func respondUpdate(w http.ResponseWriter, r *http.Request, u *profile.Update) {
	if !parseBoolParam(r, "wait") {
		writeJSON(w, http.StatusAccepted, u.Optimistic())
		return
	}

	timeout := time.Duration(parseIntParam(r, "timeout", 15, 120)) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	entry, err := u.Wait(ctx)
	if err != nil {
		profileError(w, err)
		return
	}
	if entry.Stale {
		w.Header().Set("X-Profile-Stale", "true")
	}
	writeJSON(w, http.StatusOK, entry)
}

func handlePrefetch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req PrefetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.UserIDs) > maxPrefetchIDs {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d user_ids per request", maxPrefetchIDs)
			return
		}
		p, _ := PrincipalFrom(r.Context())
		for _, id := range req.UserIDs {
			if !p.CanAccess(id) {
				httpError(w, http.StatusForbidden, "permission_error", "not allowed to access profile %q", id)
				return
			}
		}

		n := deps.Profile.PrefetchProfiles(r.Context(), req.UserIDs)
		writeJSON(w, http.StatusOK, map[string]int{"fetched": n})
	}
}

func handleInvalidate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !authorizeUser(w, r, userID) {
			return
		}
		deps.Profile.Invalidate(userID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleImportResume(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !authorizeUser(w, r, userID) {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, resume.MaxUploadBytes)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "resume exceeds %d bytes", resume.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}

		text, err := resume.ExtractText(data)
		switch {
		case errors.Is(err, resume.ErrNotPDF):
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		case text == "":
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "resume contains no extractable text")
			return
		}

		deps.Logger.Info("importing resume", "user_id", userID, "chars", len([]rune(text)))
		u, err := deps.Profile.UpdateProfile(r.Context(), userID, profile.ProfilePatch{}, &profile.ExtendedPatch{Bio: &text})
		if err != nil {
			profileError(w, err)
			return
		}
		respondUpdate(w, r, u)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, _ := PrincipalFrom(r.Context()); !p.Admin {
			httpError(w, http.StatusForbidden, "permission_error", "cache stats require the API token")
			return
		}
		writeJSON(w, http.StatusOK, deps.Profile.Stats())
	}
}

// profileError maps manager errors onto HTTP status codes.
func profileError(w http.ResponseWriter, err error) {
	var fetchErr *profile.FetchError
	var persistErr *profile.PersistError
	switch {
	case errors.Is(err, profile.ErrUserIDRequired), errors.Is(err, profile.ErrInvalidUpdate):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.As(err, &persistErr):
		httpError(w, http.StatusBadGateway, "persist_error", "%v", err)
	case errors.As(err, &fetchErr):
		httpError(w, http.StatusBadGateway, "fetch_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "timed out waiting for the store")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseBoolParam(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
