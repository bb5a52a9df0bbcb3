// Package auth is the token verifier for the realtime core. Two HS256 token
// kinds exist: the primary API token, and the short-lived socket token a
// client exchanges it for before opening the persistent connection.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	audiencePrimary = "api"
	audienceSocket  = "socket"
)

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret        string
	PrimaryExpiry time.Duration
	SocketExpiry  time.Duration
	Issuer        string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret:        secret,
		PrimaryExpiry: 7 * 24 * time.Hour,
		SocketExpiry:  time.Hour,
		Issuer:        "sapa-server",
	}
}

// CreatePrimaryToken issues the long-lived API credential.
func CreatePrimaryToken(userID string, cfg TokenConfig) (string, error) {
	return createToken(userID, audiencePrimary, cfg.PrimaryExpiry, cfg)
}

// CreateSocketToken issues the short-lived credential presented in the
// websocket handshake. Distinct audience, so neither kind substitutes for
// the other.
func CreateSocketToken(userID string, cfg TokenConfig) (string, error) {
	return createToken(userID, audienceSocket, cfg.SocketExpiry, cfg)
}

func VerifyPrimaryToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	return verifyToken(tokenString, audiencePrimary, cfg)
}

func VerifySocketToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	return verifyToken(tokenString, audienceSocket, cfg)
}

func createToken(userID, audience string, expiry time.Duration, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}
	if expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			ID:        jti,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func verifyToken(tokenString, audience string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
