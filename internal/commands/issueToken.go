package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marketchat/internal/api"
	"marketchat/internal/auth"
)

// IssueToken asks the relay admin API for a token of userID.
func IssueToken(ctx context.Context, adminAddr, userID string) (auth.TokenResponse, error) {
	reqBody, err := json.Marshal(api.IssueTokenRequest{UserID: userID})
	if err != nil {
		return auth.TokenResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := adminURL(adminAddr) + "/admin/tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return auth.TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return auth.TokenResponse{}, fmt.Errorf("failed to call admin API: %w. Is the relay running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return auth.TokenResponse{}, fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return auth.TokenResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

func adminURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}
