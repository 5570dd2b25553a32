// Package api implements the formsync REST API using chi.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/formsync/internal/session"
)

// Auth modes.
const (
	AuthDisabled = "disabled"
	AuthToken    = "token"
	AuthJWT      = "jwt"
)

// UserHeader names the acting user in token mode.
const UserHeader = "X-User-ID"

// Auth configures request authentication.
//
//   - "disabled": every request acts as DefaultUser.
//   - "token": requests must carry "Authorization: Bearer <Token>"; the user
//     comes from the X-User-ID header, falling back to DefaultUser.
//   - "jwt": requests carry an HS256 token signed with JWTSecret whose
//     subject is the user id.
type Auth struct {
	Mode        string
	Token       string
	JWTSecret   string
	DefaultUser string
}

// AuthMiddleware resolves the acting user and stores it in the request
// context. Requests without a user are rejected with 401.
func AuthMiddleware(auth Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.user(r)
			if err != nil || user == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			ctx := session.NewContext(r.Context(), session.Session{UserID: user})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a Auth) user(r *http.Request) (string, error) {
	switch a.Mode {
	case AuthToken:
		if bearer(r) != a.Token {
			return "", fmt.Errorf("bad token")
		}
		if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
			return u, nil
		}
		return a.DefaultUser, nil
	case AuthJWT:
		return a.jwtSubject(bearer(r))
	default:
		return a.DefaultUser, nil
	}
}

func (a Auth) jwtSubject(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing token")
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(a.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
