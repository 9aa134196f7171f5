// Package middleware provides HTTP middleware for the marketplace API.
package middleware

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/httputil"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

type contextKey string

const (
	callerKey contextKey = "caller_address"
	roleKey   contextKey = "caller_role"
)

// Claims represents JWT claims. The caller's ledger address is taken from
// Address, then NeoAddress, then the subject.
type Claims struct {
	Address    string `json:"address,omitempty"`
	NeoAddress string `json:"neo_address,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Caller returns the ledger address the claims authenticate.
func (c *Claims) Caller() string {
	switch {
	case c.Address != "":
		return c.Address
	case c.NeoAddress != "":
		return c.NeoAddress
	default:
		return c.Subject
	}
}

// AuthMiddleware authenticates requests with bearer JWTs. The verification
// key is an *rsa.PublicKey (RS256/384/512) or an HMAC secret (HS256/384/512).
type AuthMiddleware struct {
	verifyKey      interface{}
	log            *logger.Logger
	skipPaths      map[string]bool
	anonymousReads bool
	issuer         string
	tokenParam     string
}

// AuthOption customises an AuthMiddleware.
type AuthOption func(*AuthMiddleware)

// WithAnonymousReads lets GET and HEAD requests through without a token.
// A token that is present is still verified.
func WithAnonymousReads() AuthOption {
	return func(m *AuthMiddleware) { m.anonymousReads = true }
}

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) AuthOption {
	return func(m *AuthMiddleware) { m.issuer = issuer }
}

// WithUpgradeTokenParam accepts the token from the named query parameter on
// websocket upgrades, since browsers cannot set headers on them.
func WithUpgradeTokenParam(name string) AuthOption {
	return func(m *AuthMiddleware) { m.tokenParam = name }
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(verifyKey interface{}, log *logger.Logger, skipPaths []string, opts ...AuthOption) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	m := &AuthMiddleware{verifyKey: verifyKey, log: log, skipPaths: skip}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && m.tokenParam != "" && isUpgrade(r) {
			if token := r.URL.Query().Get(m.tokenParam); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if authHeader == "" {
			if m.anonymousReads && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
				next.ServeHTTP(w, r)
				return
			}
			m.respondError(w, r, errors.InvalidToken(fmt.Errorf("missing Authorization header")))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, errors.InvalidToken(fmt.Errorf("invalid Authorization header format")))
			return
		}

		claims, err := m.validateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		caller := claims.Caller()
		if caller == "" {
			m.respondError(w, r, errors.InvalidToken(fmt.Errorf("token carries no address")))
			return
		}

		ctx := WithCaller(r.Context(), caller)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, roleKey, claims.Role)
		}
		m.log.WithContext(ctx).WithField("caller", caller).
			WithField("auth_method", claims.AuthMethod).
			Debug("authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch m.verifyKey.(type) {
		case *rsa.PublicKey:
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
		case []byte:
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
		default:
			return nil, fmt.Errorf("no verification key configured")
		}
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, err)
	m.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).
		WithField("method", r.Method).
		Warn("authentication failed")
}

// SignToken issues a token for address. signingKey is an *rsa.PrivateKey or
// an HMAC secret. It backs local tooling and tests.
func SignToken(signingKey interface{}, address string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Address:    address,
		AuthMethod: "jwt",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	var method jwt.SigningMethod
	switch signingKey.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case []byte:
		method = jwt.SigningMethodHS256
	default:
		return "", fmt.Errorf("unsupported signing key %T", signingKey)
	}
	return jwt.NewWithClaims(method, claims).SignedString(signingKey)
}

// WithCaller stores the authenticated ledger address on ctx.
func WithCaller(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, callerKey, address)
}

// Caller returns the authenticated ledger address, or "".
func Caller(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// Role returns the role claim of the caller, or "".
func Role(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// RequireCaller rejects requests that were not authenticated.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Caller(r.Context()) == "" {
			httputil.WriteError(w, errors.InvalidToken(fmt.Errorf("authentication required")))
			return
		}
		next.ServeHTTP(w, r)
	})
}
