package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/trogers1052/governance-service/internal/apperr"
)

// authorize accepts a bearer token equal to one of secrets, or an HS256 JWT
// signed with one of them. With no secret configured every request is
// refused.
func authorize(r *http.Request, secrets ...string) error {
	var configured []string
	for _, s := range secrets {
		if s != "" {
			configured = append(configured, s)
		}
	}
	if len(configured) == 0 {
		return apperr.Auth(codeAuthUnconfigured, "no secret is configured for this endpoint")
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return apperr.Auth("missing_token", "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return apperr.Auth("invalid_token", "invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])

	for _, secret := range configured {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			return nil
		}
		if validJWT(token, secret) {
			return nil
		}
	}
	return apperr.Auth("invalid_token", "token rejected")
}

func validJWT(tokenString, secret string) bool {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && token.Valid
}

// requireToken wraps next with bearer authorization against secrets.
func (h *Handler) requireToken(next http.HandlerFunc, secrets ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authorize(r, secrets...); err != nil {
			h.respondError(w, r, err)
			return
		}
		next(w, r)
	}
}
