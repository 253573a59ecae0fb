// Package auth guards the admin API and the websocket upgrade with static
// API keys or HS256 bearer tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jordanhubbard/nyx/pkg/config"
)

const issuer = "nyx"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNoSigningSecret    = errors.New("no JWT secret configured")
)

// Claims identify the holder of a bearer token.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates request credentials. A disabled authenticator
// accepts every request.
type Authenticator struct {
	enabled bool
	apiKeys [][]byte
	secret  []byte
}

// New creates an authenticator from the security configuration.
func New(cfg config.SecurityConfig) *Authenticator {
	a := &Authenticator{enabled: cfg.EnableAuth}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.apiKeys = append(a.apiKeys, []byte(k))
		}
	}
	if cfg.JWTSecret != "" {
		a.secret = []byte(cfg.JWTSecret)
	}
	return a
}

// Enabled reports whether requests are checked at all.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// IssueToken signs a token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject, scope string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSigningSecret
	}
	now := time.Now()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken verifies signature, issuer and expiry.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSigningSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Authenticate checks, in order, the X-API-Key header, an Authorization
// bearer token and a token query parameter. Browsers cannot set headers on
// websocket upgrades, hence the query parameter.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}
	// Auth enabled with nothing to check against is treated as disabled.
	if len(a.apiKeys) == 0 && len(a.secret) == 0 {
		return nil
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if a.validAPIKey(key) {
			return nil
		}
		return ErrInvalidAPIKey
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	} else if q := r.URL.Query().Get("token"); q != "" {
		token = q
	}
	if token == "" {
		return ErrMissingCredentials
	}
	// A static key may also be presented as a bearer token.
	if a.validAPIKey(token) {
		return nil
	}
	_, err := a.ValidateToken(token)
	return err
}

func (a *Authenticator) validAPIKey(key string) bool {
	valid := false
	for _, k := range a.apiKeys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// Middleware rejects unauthenticated requests with 401. Paths for which
// public returns true are not checked.
func (a *Authenticator) Middleware(public func(path string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public != nil && public(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Authenticate(r); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nyx"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
