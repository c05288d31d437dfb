package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"govorilka/internal/auth"
	"govorilka/internal/fanout"
	"govorilka/internal/media"
	"govorilka/internal/models"
	"govorilka/internal/store"
)

const maxUploadBytes = 10 << 20

type API struct {
	auth  *auth.Service
	store store.Store
	media *media.LocalStore
}

func New(authService *auth.Service, st store.Store, mediaStore *media.LocalStore) *API {
	return &API{auth: authService, store: st, media: mediaStore}
}

type authResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Token   string        `json:"token,omitempty"`
	Actor   *models.Actor `json:"actor,omitempty"`
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, token, err := a.auth.SignUp(r.Context(), req.Username, req.Email, req.Password, req.AvatarURL)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, authResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token, Actor: &actor})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, token, err := a.auth.LogIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, authResponse{Success: false, Message: "Login failed"})
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token, Actor: &actor})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	a.auth.LogOut(r.Header.Get("token"))
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProfileHandler edits the signed-in actor's display name, bio and
// avatar URL. Omitted fields keep their current value.
func (a *API) UpdateProfileHandler(actorID string, w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
		Bio         string `json:"bio"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, err := a.auth.UpdateProfile(r.Context(), actorID, req.DisplayName, req.Bio, req.AvatarURL)
	if err != nil {
		slog.Error("profile update failed", "actor_id", actorID, "error", err)
		http.Error(w, "Failed to update profile", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, actor)
}

// UploadHandler accepts a multipart payload and stores it through the
// media collaborator, returning the public URL and the inferred kind.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}

	preset := r.FormValue("upload_preset")
	uploadURL, err := a.media.Upload(r.Context(), header.Filename, payload, preset)
	if err != nil {
		slog.Error("upload failed", "name", header.Filename, "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":  uploadURL,
		"kind": string(media.Kind(payload, header.Header.Get("Content-Type"))),
	})
}

func (a *API) GetMediaHandler(w http.ResponseWriter, r *http.Request) {
	preset := r.PathValue("preset")
	hash := r.PathValue("hash")
	f, err := a.media.Open(preset, hash)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		slog.Warn("failed to stream media", "hash", hash, "error", err)
	}
}

// PushSubscribeHandler registers a browser push endpoint for the actor.
func (a *API) PushSubscribeHandler(actorID string, w http.ResponseWriter, r *http.Request) {
	var sub fanout.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if sub.Endpoint == "" {
		http.Error(w, "Missing endpoint", http.StatusBadRequest)
		return
	}
	if err := a.store.Set(r.Context(), store.CollPush, actorID, sub); err != nil {
		http.Error(w, "Failed to store subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireAuth wraps a handler that needs the signed-in actor id.
func (a *API) RequireAuth(next func(actorID string, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := a.auth.Authenticate(r.Header.Get("token"))
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(actorID, w, r)
	}
}

// RequireSameOrigin rejects cross-origin state-changing requests.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || !strings.EqualFold(u.Host, r.Host) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
