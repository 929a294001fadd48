package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// anonymousActor is recorded when neither a token nor the body names a
// reviewer.
const anonymousActor = "api"

// actorHandler receives the reviewer identity resolved from the request.
type actorHandler func(w http.ResponseWriter, r *http.Request, actor string)

// requireActor resolves the reviewer for approve and reject. With a JWT
// secret configured, a valid HS256 bearer token is mandatory and its subject
// is the actor. Without one, the handler falls back to the body.
func (s *Server) requireActor(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			next(w, r, "")
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.respondError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		subject, err := s.validateToken(raw)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, subject)
	}
}

// validateToken checks signature and expiry and returns the subject.
func (s *Server) validateToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("invalid token: missing subject")
	}
	return claims.Subject, nil
}

func (s *Server) actorOr(fromToken, fromBody string) string {
	switch {
	case fromToken != "":
		return fromToken
	case fromBody != "":
		return fromBody
	default:
		return anonymousActor
	}
}
