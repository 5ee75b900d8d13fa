package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const apiKeyHeader = "X-API-Key"

// AuthOptions enable X-API-Key and/or HS256 bearer token auth. With neither set, requests are anonymous.
type AuthOptions struct {
	APIKeys   []string
	JWTSecret string
	JWTIssuer string
}

// Authenticator resolves the caller identity used for audit attribution.
type Authenticator struct {
	keys     [][]byte
	secret   []byte
	issuer   string
	disabled bool
}

type callerKey struct{}

// NewAuthenticator validates opts.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	a := &Authenticator{issuer: opts.JWTIssuer}
	for _, k := range opts.APIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		a.keys = append(a.keys, []byte(k))
	}
	if opts.JWTSecret != "" {
		if len(opts.JWTSecret) < 16 {
			return nil, errors.New("api jwt secret must be at least 16 bytes")
		}
		a.secret = []byte(opts.JWTSecret)
	}
	a.disabled = len(a.keys) == 0 && a.secret == nil
	return a, nil
}

// Authenticate returns the caller for r, or false when credentials are missing or invalid.
func (a *Authenticator) Authenticate(r *http.Request) (string, bool) {
	if a.disabled {
		return "anonymous", true
	}
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return a.checkAPIKey(key)
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && a.secret != nil {
		return a.checkToken(strings.TrimPrefix(header, "Bearer "))
	}
	return "", false
}

func (a *Authenticator) checkAPIKey(key string) (string, bool) {
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			sum := sha256.Sum256(k)
			return "apikey:" + hex.EncodeToString(sum[:4]), true
		}
	}
	return "", false
}

func (a *Authenticator) checkToken(raw string) (string, bool) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil || !tok.Valid {
		return "", false
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// Middleware rejects unauthenticated requests and stores the caller on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := a.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// CallerFrom returns the authenticated caller stored by Middleware.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
