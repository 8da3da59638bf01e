package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TenantContext key for storing tenant ID in context
type contextKey string

const TenantIDKey contextKey = "tenant_id"

// TenantHeader carries a tenant id set by a trusted proxy in front of the API.
const TenantHeader = "X-Tenant-Id"

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey   *rsa.PublicKey
	issuer      string
	audience    string
	trustHeader bool
}

// Option configures a JWTValidator.
type Option func(*JWTValidator)

// TrustTenantHeader accepts TenantHeader in place of a token. Only enable
// it behind a proxy that strips the header from client requests.
func TrustTenantHeader(trust bool) Option {
	return func(v *JWTValidator) { v.trustHeader = trust }
}

// NewJWTValidator creates a new JWT validator from a PEM encoded RSA
// public key, PKCS1 or PKIX.
func NewJWTValidator(publicKeyPEM, issuer, audience string, opts ...Option) (*JWTValidator, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	v := &JWTValidator{publicKey: key, issuer: issuer, audience: audience}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}

// ValidateToken validates a JWT token and returns the tenant ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return "", errors.New("missing or invalid tenant_id claim")
	}
	return tenantID, nil
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens and
// stores the tenant in the request context.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health checks and metrics
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if v.trustHeader {
			if tenantID := r.Header.Get(TenantHeader); tenantID != "" {
				next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		tenantID, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}
