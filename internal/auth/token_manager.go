package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAPITokenTTL    = 30 * time.Minute
	defaultCollabTokenTTL = 12 * time.Hour

	tokenIssuer    = "mydocmost-auth"
	audienceAPI    = "mydocmost-api"
	audienceCollab = "mydocmost-collab"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingSubject       = errors.New("auth: subject claim required")
	// ErrInvalidToken covers malformed tokens, bad signatures and audience or
	// issuer mismatches. An API token presented on the collaboration surface
	// fails with this error even when its signature is valid.
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims identifies an authenticated principal.
type Claims struct {
	UserID      string
	WorkspaceID string
}

type tokenClaims struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures issuance and validation of backend JWTs.
type TokenManagerConfig struct {
	SigningSecret  []byte
	APITokenTTL    time.Duration
	CollabTokenTTL time.Duration
	Clock          func() time.Time
}

// TokenManager issues and validates the two backend token audiences: API
// tokens presented on REST calls and short-scoped collaboration tokens
// presented during the websocket handshake. The audiences are distinct so a
// leaked collaboration token never grants REST access and vice versa.
type TokenManager struct {
	signingSecret  []byte
	apiTokenTTL    time.Duration
	collabTokenTTL time.Duration
	clock          func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	apiTTL := cfg.APITokenTTL
	if apiTTL <= 0 {
		apiTTL = defaultAPITokenTTL
	}
	collabTTL := cfg.CollabTokenTTL
	if collabTTL <= 0 {
		collabTTL = defaultCollabTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		signingSecret:  append([]byte(nil), cfg.SigningSecret...),
		apiTokenTTL:    apiTTL,
		collabTokenTTL: collabTTL,
		clock:          clock,
	}, nil
}

// IssueAPIToken produces a signed REST token and its expiry in seconds.
func (m *TokenManager) IssueAPIToken(_ context.Context, claims Claims) (string, int64, error) {
	return m.issue(claims, audienceAPI, m.apiTokenTTL)
}

// IssueCollabToken produces a signed collaboration token and its expiry in
// seconds. Collaboration tokens are handed to clients that already hold a
// valid API token and are presented during the websocket handshake.
func (m *TokenManager) IssueCollabToken(_ context.Context, claims Claims) (string, int64, error) {
	return m.issue(claims, audienceCollab, m.collabTokenTTL)
}

func (m *TokenManager) issue(claims Claims, audience string, ttl time.Duration) (string, int64, error) {
	if strings.TrimSpace(claims.UserID) == "" {
		return "", 0, ErrMissingSubject
	}

	now := m.clock().UTC()
	expiresAt := now.Add(ttl).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		WorkspaceID: claims.WorkspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    tokenIssuer,
			Audience:  []string{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateAPIToken validates a REST token and returns its claims.
func (m *TokenManager) ValidateAPIToken(tokenString string) (Claims, error) {
	return m.validate(tokenString, audienceAPI)
}

// ValidateCollabToken validates a collaboration token and returns its claims.
func (m *TokenManager) ValidateCollabToken(tokenString string) (Claims, error) {
	return m.validate(tokenString, audienceCollab)
}

func (m *TokenManager) validate(tokenString, audience string) (Claims, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return Claims{}, ErrInvalidToken
	}

	parsed := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		trimmed,
		parsed,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return Claims{UserID: parsed.Subject, WorkspaceID: parsed.WorkspaceID}, nil
}
