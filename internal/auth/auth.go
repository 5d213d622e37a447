package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketchat/internal/content"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 12 * time.Hour

var ErrInvalidToken = errors.New("invalid or expired token")

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

type TokenResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	TokenExpiry int64  `json:"tokenExpiry"`
}

// TokenService issues the bearer tokens the relay accepts on connect and
// upload. Tokens live in memory and expire after TokenExpiry.
type TokenService struct {
	Config
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewTokenService(ctx context.Context, config Config) (*TokenService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TokenService{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Issue creates a token for userID.
func (ts *TokenService) Issue(userID string) (TokenResponse, error) {
	if err := content.ValidateUserID(userID); err != nil {
		return TokenResponse{}, err
	}

	token, err := ts.generateToken()
	if err != nil {
		slog.Error("token issue failed", "user_id", userID, "error", err)
		return TokenResponse{}, err
	}
	ts.liveTokens.Set(token, userID)

	return TokenResponse{
		Token:       token,
		UserID:      userID,
		TokenExpiry: ts.now().Unix() + int64(ts.TokenExpiry.Seconds()),
	}, nil
}

func (ts *TokenService) Revoke(token string) error {
	return ts.liveTokens.Del(token)
}

// UserID returns the user a live token was issued for.
func (ts *TokenService) UserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := ts.liveTokens.Get(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (ts *TokenService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
