package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

var defaultExp = time.Hour * 24

const (
	userIdClaim = "user-id"
	tierClaim   = "tier"
	expClaim    = "exp"
)

type contextKey string

const userIdKey contextKey = "user-id"

// errNoToken distinguishes "no credentials supplied" from a token that
// was supplied and failed verification.
var errNoToken = errors.New("no token")

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

// CreateToken issues a signed session token for a user id.
func CreateToken(signingKey []byte, userId string) (string, error) {
	claims := jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(defaultExp).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

func (s *App) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return token, nil
}

// bearerToken extracts the raw token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}

	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (s *App) extractUserIdFromToken(r *http.Request) (string, error) {
	tokenString, ok := bearerToken(r)
	if !ok {
		if cookie, err := r.Cookie("token"); err == nil {
			tokenString = cookie.Value
		} else {
			return "", errNoToken
		}
	}

	token, err := s.verifyToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}

// identityMiddleware resolves the caller's user id when a valid token is
// present. Anonymous requests proceed with no identity; endpoints that
// need one check for themselves.
func (s *App) identityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userId, err := s.extractUserIdFromToken(r); err == nil {
			r = r.WithContext(WithUserId(r.Context(), userId))
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r)
	}
}

// adminMiddleware requires the admin bearer token. With no configured
// token hash the admin surface is disabled entirely.
func (s *App) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == "" {
			errResp := NewNotFoundError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)); err != nil {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}
