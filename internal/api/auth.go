package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Principal identifies the caller of an authenticated request. Admin callers
// presented the static API token; everyone else is bound to one user.
type Principal struct {
	UserID string
	Admin  bool
}

// CanAccess reports whether the principal may read or write userID's profile.
func (p Principal) CanAccess(userID string) bool {
	return p.Admin || (p.UserID != "" && p.UserID == userID)
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by BearerAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var errInvalidToken = errors.New("invalid or missing bearer token")

// BearerAuth accepts either the static API token or an HS256 JWT signed with
// jwtSecret whose subject is the user id. An empty jwtSecret disables JWTs.
// Browsers cannot set headers on WebSocket upgrades, so the access_token
// query parameter is honoured as well.
func BearerAuth(token, jwtSecret string) func(http.Handler) http.Handler {
	parser := jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			p, err := authenticate(parser, raw, token, jwtSecret)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("access_token")
}

func authenticate(parser *jwtlib.Parser, raw, token, jwtSecret string) (Principal, error) {
	if raw == "" {
		return Principal{}, errInvalidToken
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(token)) == 1 {
		return Principal{Admin: true}, nil
	}
	if jwtSecret == "" {
		return Principal{}, errInvalidToken
	}

	claims := &jwtlib.RegisteredClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil || claims.Subject == "" {
		return Principal{}, errInvalidToken
	}
	return Principal{UserID: claims.Subject}, nil
}

// IssueUserToken signs a JWT that grants access to a single user's profile.
func IssueUserToken(jwtSecret, userID string, ttl time.Duration) (string, error) {
	if jwtSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

// authorizeUser writes a 403 and returns false when the caller may not touch
// userID's profile.
func authorizeUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	p, _ := PrincipalFrom(r.Context())
	if !p.CanAccess(userID) {
		httpError(w, http.StatusForbidden, "permission_error", "not allowed to access profile %q", userID)
		return false
	}
	return true
}
