package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		testKey = k
	})
	return testKey
}

func publicPEM(t *testing.T, pkcs1 bool) string {
	t.Helper()
	pub := &privateKey(t).PublicKey
	if pkcs1 {
		return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}))
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privateKey(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       "harborjobs",
		"aud":       "harborjobs-api",
		"tenant_id": "tenant-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func newValidator(t *testing.T, opts ...Option) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(publicPEM(t, false), "harborjobs", "harborjobs-api", opts...)
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}
	return v
}

func TestNewJWTValidator(t *testing.T) {
	tests := []struct {
		name        string
		pem         string
		expectError bool
	}{
		{name: "pkix key", pem: publicPEM(t, false)},
		{name: "pkcs1 key", pem: publicPEM(t, true)},
		{name: "invalid PEM format", pem: "invalid-pem", expectError: true},
		{name: "garbage in PEM block", pem: "-----BEGIN PUBLIC KEY-----\nYWJj\n-----END PUBLIC KEY-----", expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTValidator(tt.pem, "iss", "aud")
			if tt.expectError != (err != nil) {
				t.Errorf("NewJWTValidator() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	v := newValidator(t)

	mutate := func(f func(jwt.MapClaims)) string {
		c := validClaims()
		f(c)
		return sign(t, c)
	}

	tests := []struct {
		name       string
		token      string
		wantTenant string
		wantErr    bool
	}{
		{name: "valid", token: sign(t, validClaims()), wantTenant: "tenant-1"},
		{name: "wrong issuer", token: mutate(func(c jwt.MapClaims) { c["iss"] = "someone-else" }), wantErr: true},
		{name: "wrong audience", token: mutate(func(c jwt.MapClaims) { c["aud"] = "other" }), wantErr: true},
		{name: "expired", token: mutate(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }), wantErr: true},
		{name: "no expiry", token: mutate(func(c jwt.MapClaims) { delete(c, "exp") }), wantErr: true},
		{name: "missing tenant", token: mutate(func(c jwt.MapClaims) { delete(c, "tenant_id") }), wantErr: true},
		{name: "not a jwt", token: "abc.def.ghi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ValidateToken() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() error: %v", err)
			}
			if got != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", got, tt.wantTenant)
			}
		})
	}
}

func TestValidateTokenRejectsHMAC(t *testing.T) {
	v := newValidator(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("shared"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.ValidateToken(tok); err == nil {
		t.Error("HS256 token should be rejected")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := GetTenantIDFromContext(r.Context())
		_, _ = w.Write([]byte(tenant))
	})

	tests := []struct {
		name       string
		trust      bool
		path       string
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{name: "health skips auth", path: "/healthz", wantStatus: http.StatusOK},
		{name: "metrics skips auth", path: "/metrics", wantStatus: http.StatusOK},
		{name: "missing header", path: "/v1/jobs", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", path: "/v1/jobs", headers: map[string]string{"Authorization": "Basic abc"}, wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/jobs", headers: map[string]string{"Authorization": "Bearer abc"}, wantStatus: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/jobs", headers: map[string]string{"Authorization": "Bearer " + sign(t, validClaims())}, wantStatus: http.StatusOK, wantBody: "tenant-1"},
		{name: "untrusted tenant header ignored", path: "/v1/jobs", headers: map[string]string{TenantHeader: "evil"}, wantStatus: http.StatusUnauthorized},
		{name: "trusted tenant header", trust: true, path: "/v1/jobs", headers: map[string]string{TenantHeader: "tenant-9"}, wantStatus: http.StatusOK, wantBody: "tenant-9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newValidator(t, TrustTenantHeader(tt.trust)).HTTPMiddleware(next)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, strings.TrimSpace(rec.Body.String()))
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestGetTenantIDFromContext(t *testing.T) {
	if _, ok := GetTenantIDFromContext(context.Background()); ok {
		t.Error("empty context should have no tenant")
	}
	if _, ok := GetTenantIDFromContext(WithTenant(context.Background(), "")); ok {
		t.Error("empty tenant should not count")
	}
	if got, ok := GetTenantIDFromContext(WithTenant(context.Background(), "t")); !ok || got != "t" {
		t.Errorf("got %q, %v", got, ok)
	}
}
