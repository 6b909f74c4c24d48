package websocket

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/c360/depthgraph/errors"
)

const minSecretLength = 32

// ErrUnauthorized is returned for a missing, expired or badly signed token.
var ErrUnauthorized = stderrors.New("unauthorized")

// NewToken signs a preview access token for subject that expires after ttl.
func NewToken(secret, subject string, ttl time.Duration) (string, error) {
	if len(secret) < minSecretLength {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "NewToken",
			fmt.Sprintf("secret must be at least %d bytes", minSecretLength))
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "websocket", "NewToken", "sign token")
	}
	return signed, nil
}

// VerifyToken checks an HS256 token signed with secret and returns its
// subject. Tokens without an expiry are rejected.
func VerifyToken(secret, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for browsers that cannot set headers on a WebSocket.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
