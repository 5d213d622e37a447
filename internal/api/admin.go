package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"marketchat/internal/auth"
)

// TokenIssuer hands out relay tokens.
type TokenIssuer interface {
	Issue(userID string) (auth.TokenResponse, error)
}

// OnlineLister reports the users connected to the relay.
type OnlineLister interface {
	Online() []string
}

type AdminHandler struct {
	tokens TokenIssuer
	hub    OnlineLister
}

func NewAdminHandler(tokens TokenIssuer, hub OnlineLister) *AdminHandler {
	return &AdminHandler{tokens: tokens, hub: hub}
}

type IssueTokenRequest struct {
	UserID string `json:"userId"`
}

// IssueTokenHandler creates a token for the requested user. The admin
// listener is expected to be reachable from trusted hosts only.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	token, err := h.tokens.Issue(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, token)
}

type OnlineResponse struct {
	Users []string `json:"users"`
}

func (h *AdminHandler) OnlineHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, OnlineResponse{Users: h.hub.Online()})
}
