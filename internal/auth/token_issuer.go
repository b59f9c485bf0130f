// Package auth issues and validates reconnect tokens. A token binds a player
// identity to its session so a dropped client can resume the same entity,
// position history and roster placement intact.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 24 * time.Hour

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingSubject       = errors.New("auth: player id claim must be provided")
	errMissingAudience      = errors.New("auth: session id claim must be provided")
)

// TokenIssuerConfig configures the reconnect token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates HS256 reconnect tokens. The subject is the
// player id and the audience the session id, so a token for one session can
// never resume an identity in another.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "tacmap-server"
	}
	return &TokenIssuer{config: cfg, clock: cfg.Clock}
}

// Issue produces a signed reconnect token for the player in the session.
func (i *TokenIssuer) Issue(playerID, sessionID string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if playerID == "" {
		return "", errMissingSubject
	}
	if sessionID == "" {
		return "", errMissingAudience
	}

	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		Issuer:    i.config.Issuer,
		Audience:  []string{sessionID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}

// Validate checks a reconnect token against the expected session and returns
// the player id it resumes.
func (i *TokenIssuer) Validate(tokenString, sessionID string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("auth: unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(sessionID),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}
