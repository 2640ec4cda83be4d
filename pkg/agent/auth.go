package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/protofuzz/protofuzz/pkg/transport"
)

// Common errors for agent token operations.
var (
	ErrInvalidToken        = errors.New("invalid agent token")
	ErrExpiredToken        = errors.New("agent token has expired")
	ErrTokenSigningFailed  = errors.New("failed to sign agent token")
	ErrInvalidSecretLength = errors.New("agent JWT secret must be at least 32 characters")
)

// Claims identifies a bearer-token-authenticated agent and the single
// target it was registered against. Unlike a user session, an agent token
// carries no refresh pair: an expired agent simply re-registers.
type Claims struct {
	jwt.RegisteredClaims
	AgentID    string             `json:"agent_id"`
	TargetHost string             `json:"target_host"`
	TargetPort int                `json:"target_port"`
	Transport  transport.Protocol `json:"transport"`
}

// TokenConfig configures the agent token service.
type TokenConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string

	// Issuer is the token issuer claim. Default: "protofuzz".
	Issuer string

	// TokenDuration is the agent bearer token's lifetime. Default: 24h.
	TokenDuration time.Duration
}

// TokenService issues and validates agent bearer tokens.
type TokenService struct {
	config TokenConfig
}

// NewTokenService creates a new agent token service with the given
// configuration.
func NewTokenService(config TokenConfig) (*TokenService, error) {
	if len(config.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if config.Issuer == "" {
		config.Issuer = "protofuzz"
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	return &TokenService{config: config}, nil
}

// IssueToken creates a bearer token binding agentID to the target it
// registered against.
func (s *TokenService) IssueToken(agentID string, target transport.Target, proto transport.Protocol) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenDuration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		AgentID:    agentID,
		TargetHost: target.Host,
		TargetPort: target.Port,
		Transport:  proto,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %w", ErrTokenSigningFailed, err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a bearer token and returns its claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
