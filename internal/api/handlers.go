package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"marketchat/internal/attachment"
	"marketchat/internal/filestore"
)

// MaxUploadSize caps the body of an upload request.
const MaxUploadSize = 25 << 20

type ctxKey struct{}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TokenResolver resolves a bearer token to a user id.
type TokenResolver interface {
	UserID(token string) (string, error)
}

type API struct {
	tokens TokenResolver
	files  filestore.FileStore
}

func New(tokens TokenResolver, files filestore.FileStore) *API {
	return &API{tokens: tokens, files: files}
}

func (a *API) getToken(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("token")
	}
	return token
}

// RequireAuth rejects requests without a live token and passes the user id
// on in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.tokens.UserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

// UserID returns the user RequireAuth authenticated.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok
}

// UploadHandler stores the request body and answers with the attachment
// that refers to it.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, attachment.ErrEmptyFile.Error(), http.StatusBadRequest)
		return
	}

	_, mime := attachment.Detect(data)
	hash := filestore.Hash(data)
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		slog.Error("failed to save upload", "hash", hash, "error", err)
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	userID, _ := UserID(r.Context())
	slog.Info("file uploaded", "user_id", userID, "hash", hash, "size", len(data), "mime", mime)

	att := attachment.New(fmt.Sprintf("/api/files/%s", hash), int64(len(data)), mime)
	writeJSON(w, http.StatusOK, att)
}

// FileHandler serves a stored file by its hash.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	rc, err := a.files.Get(hash)
	switch {
	case errors.Is(err, filestore.ErrInvalidHash):
		http.Error(w, "Invalid file id", http.StatusBadRequest)
		return
	case errors.Is(err, filestore.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		slog.Error("failed to open file", "hash", hash, "error", err)
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer func() { _ = rc.Close() }()

	head, _, mime, err := attachment.Sniff(rc)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(head), rc)); err != nil {
		slog.Debug("failed to send file", "hash", hash, "error", err)
	}
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
